// Package account описывает SIP аккаунт: идентичность, учетные данные и
// настройки регистрации, которые ядро регистрации читает на время одного
// цикла запроса.
package account

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/arzzra/sipreg/pkg/logging"
)

// Значения по умолчанию и ограничения
const (
	// MinRegistrationExpire - минимальное время жизни регистрации, секунды
	MinRegistrationExpire uint32 = 60
	// DefaultRegistrationExpire - время жизни регистрации по умолчанию, секунды
	DefaultRegistrationExpire uint32 = 3600
	// DefaultStunPort - порт STUN по умолчанию (RFC 5389)
	DefaultStunPort uint16 = 3478
	// DefaultPortMappingTimeout - сколько ждать проброса порта перед регистрацией
	DefaultPortMappingTimeout = 10 * time.Second
	// AnyRealm совпадает с любым realm в challenge
	AnyRealm = "*"
)

var (
	// ErrEmptyCredentials возвращается при попытке установить пустой список учетных данных
	ErrEmptyCredentials = errors.New("account: пустой список учетных данных")
	// ErrInvalidConfig общая ошибка валидации конфигурации
	ErrInvalidConfig = errors.New("account: неверная конфигурация")
)

// Credential учетные данные для одного realm.
type Credential struct {
	Realm    string `yaml:"realm"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// passwordHash - HA1, вычисляется один раз при включенном хешировании
	passwordHash string
}

// PasswordHash возвращает HA1 = MD5(username:realm:password) или пустую строку,
// если хеширование выключено.
func (c Credential) PasswordHash() string {
	return c.passwordHash
}

// MatchesRealm проверяет, подходят ли учетные данные для realm из challenge.
func (c Credential) MatchesRealm(realm string) bool {
	return c.Realm == AnyRealm || c.Realm == realm
}

func (c *Credential) computePasswordHash() {
	sum := md5.Sum([]byte(c.Username + ":" + c.Realm + ":" + c.Password))
	c.passwordHash = hex.EncodeToString(sum[:])
}

// Config настройки аккаунта в том виде, в каком они хранятся в YAML.
type Config struct {
	ID          string `yaml:"id"`
	Enabled     bool   `yaml:"enabled"`
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name,omitempty"`
	// Hostname - адрес регистратора; пустое значение означает профиль прямых IP вызовов
	Hostname    string        `yaml:"hostname"`
	BindAddress string        `yaml:"bind_address,omitempty"`
	Port        uint16        `yaml:"port"`
	Transport   TransportType `yaml:"transport"`

	ExpireSeconds       uint32 `yaml:"expire_seconds"`
	RegistrationRefresh bool   `yaml:"registration_refresh"`
	AllowContactRewrite bool   `yaml:"allow_contact_rewrite"`

	Credentials []Credential `yaml:"credentials"`
	MD5Hashing  bool         `yaml:"md5_hashing,omitempty"`

	UPnPEnabled        bool          `yaml:"upnp_enabled"`
	PortMappingTimeout time.Duration `yaml:"port_mapping_timeout,omitempty"`

	StunEnabled bool   `yaml:"stun_enabled"`
	StunServer  string `yaml:"stun_server,omitempty"`
	StunPort    uint16 `yaml:"stun_port,omitempty"`

	PublishedSameAsLocal bool   `yaml:"published_same_as_local"`
	PublishedAddress     string `yaml:"published_address,omitempty"`
	PublishedPort        uint16 `yaml:"published_port,omitempty"`

	ServiceRoute string `yaml:"service_route,omitempty"`
	UserAgent    string `yaml:"user_agent,omitempty"`

	PushToken    string `yaml:"push_token,omitempty"`
	PushProvider string `yaml:"push_provider,omitempty"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Port:                 DefaultSIPPort,
		Transport:            TransportUDP,
		ExpireSeconds:        DefaultRegistrationExpire,
		RegistrationRefresh:  true,
		AllowContactRewrite:  true,
		PortMappingTimeout:   DefaultPortMappingTimeout,
		StunPort:             DefaultStunPort,
		PublishedSameAsLocal: true,
		UserAgent:            "SoftPhone/1.0",
	}
}

// IsIP2IP сообщает, является ли аккаунт профилем прямых IP вызовов
func (c *Config) IsIP2IP() bool {
	return c.Hostname == ""
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: пустой id", ErrInvalidConfig)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.BindAddress != "" {
		if _, err := netip.ParseAddr(c.BindAddress); err != nil {
			return fmt.Errorf("%w: bind_address %q: %v", ErrInvalidConfig, c.BindAddress, err)
		}
	}
	if !c.PublishedSameAsLocal && c.PublishedAddress == "" {
		return fmt.Errorf("%w: published_address обязателен при published_same_as_local=false", ErrInvalidConfig)
	}
	if c.StunEnabled && c.StunServer == "" {
		return fmt.Errorf("%w: stun_server обязателен при stun_enabled=true", ErrInvalidConfig)
	}
	return nil
}

// normalize подставляет значения по умолчанию для незаданных полей
func (c *Config) normalize(log *slog.Logger) {
	if c.Transport == "" {
		c.Transport = TransportUDP
	}
	if c.Port == 0 {
		c.Port = c.Transport.DefaultPort()
	}
	if c.StunPort == 0 {
		c.StunPort = DefaultStunPort
	}
	if c.PortMappingTimeout <= 0 {
		c.PortMappingTimeout = DefaultPortMappingTimeout
	}
	c.ExpireSeconds = clampExpire(c.ExpireSeconds, log)
	for i := range c.Credentials {
		if c.Credentials[i].Realm == "" {
			c.Credentials[i].Realm = AnyRealm
		}
	}
}

func clampExpire(expire uint32, log *slog.Logger) uint32 {
	switch {
	case expire == 0:
		return DefaultRegistrationExpire
	case expire < MinRegistrationExpire:
		log.Warn("время жизни регистрации меньше минимального",
			"expire", expire, "min", MinRegistrationExpire)
		return MinRegistrationExpire
	default:
		return expire
	}
}

// Account аккаунт во время работы. Ядро регистрации берет снимок конфигурации
// на каждый цикл запроса; изменения через сеттеры видны со следующего цикла.
//
// Потокобезопасен.
type Account struct {
	mu     sync.RWMutex
	config Config
	log    *slog.Logger
}

// New создает аккаунт из конфигурации.
func New(cfg Config, log *slog.Logger) (*Account, error) {
	log = logging.OrNoop(log).With("account", cfg.ID)
	cfg.normalize(log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Account{config: cfg, log: log}
	if len(cfg.Credentials) > 0 {
		a.config.Credentials = a.prepareCredentials(cfg.Credentials)
	}
	return a, nil
}

// ID возвращает идентификатор аккаунта
func (a *Account) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.ID
}

// Config возвращает копию текущей конфигурации
func (a *Account) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg := a.config
	cfg.Credentials = slices.Clone(a.config.Credentials)
	return cfg
}

// Enabled сообщает, включен ли аккаунт
func (a *Account) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// SetEnabled включает или выключает аккаунт
func (a *Account) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Enabled = enabled
}

// Usable - аккаунт включен и может регистрироваться: задан пользователь,
// либо это профиль прямых IP вызовов.
func (a *Account) Usable() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled && (a.config.IsIP2IP() || a.config.Username != "")
}

// Credentials возвращает копию списка учетных данных
func (a *Account) Credentials() []Credential {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.config.Credentials)
}

// SetCredentials заменяет список учетных данных.
// Пустой список отклоняется с ErrEmptyCredentials, текущие данные не меняются.
func (a *Account) SetCredentials(creds []Credential) error {
	if len(creds) == 0 {
		a.log.Warn("нельзя аутентифицироваться с пустым списком учетных данных")
		return ErrEmptyCredentials
	}
	prepared := a.prepareCredentials(creds)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Credentials = prepared
	return nil
}

func (a *Account) prepareCredentials(creds []Credential) []Credential {
	out := make([]Credential, len(creds))
	for i, c := range creds {
		out[i] = Credential{Realm: c.Realm, Username: c.Username, Password: c.Password}
		if out[i].Realm == "" {
			out[i].Realm = AnyRealm
		}
		if a.config.MD5Hashing {
			out[i].computePasswordHash()
		}
	}
	return out
}

// RegistrationExpire возвращает запрашиваемое время жизни регистрации
func (a *Account) RegistrationExpire() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.ExpireSeconds
}

// SetRegistrationExpire устанавливает время жизни регистрации.
// Значения меньше MinRegistrationExpire поднимаются до минимума.
func (a *Account) SetRegistrationExpire(expire uint32) {
	if expire == 0 {
		expire = MinRegistrationExpire
	}
	expire = clampExpire(expire, a.log)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.ExpireSeconds = expire
}

// PushToken возвращает токен push уведомлений
func (a *Account) PushToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.PushToken
}

// SetPushToken устанавливает токен push уведомлений.
// Возвращает false, если токен не изменился.
func (a *Account) SetPushToken(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.config.PushToken == token {
		return false
	}
	a.config.PushToken = token
	return true
}
