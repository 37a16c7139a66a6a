package account

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/sipreg/pkg/logging"
)

// File корневой документ YAML файла аккаунтов
type File struct {
	Accounts []Config `yaml:"accounts"`
}

// Load читает аккаунты из YAML. Незаданные поля получают значения
// DefaultConfig, каждый аккаунт валидируется.
func Load(r io.Reader, log *slog.Logger) ([]Config, error) {
	log = logging.OrNoop(log)

	var raw struct {
		Accounts []yaml.Node `yaml:"accounts"`
	}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("разбор конфигурации аккаунтов: %w", err)
	}

	configs := make([]Config, 0, len(raw.Accounts))
	for i := range raw.Accounts {
		cfg := DefaultConfig()
		if err := raw.Accounts[i].Decode(&cfg); err != nil {
			return nil, fmt.Errorf("аккаунт #%d: %w", i, err)
		}
		cfg.normalize(log.With("account", cfg.ID))
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("аккаунт #%d: %w", i, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadFile читает аккаунты из файла
func LoadFile(path string, log *slog.Logger) ([]Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, log)
}

// Marshal сериализует текущие значения аккаунтов в YAML
func Marshal(configs []Config) ([]byte, error) {
	return yaml.Marshal(File{Accounts: configs})
}
