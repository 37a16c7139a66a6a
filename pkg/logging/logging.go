// Package logging собирает slog-логгеры, которыми пользуются все пакеты модуля.
//
// Компоненты принимают *slog.Logger через опции; nil означает Noop.
// Контекст добавляется атрибутами: component=<имя>, account=<id>.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/golang-cz/devslog"
	console "github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(a netip.AddrPort) slog.Value {
		return slog.StringValue(a.String())
	}),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
)

// Default консольный логгер уровня Info.
var Default = New(os.Stdout, slog.LevelInfo)

// Dev логгер для разработки: отсортированные ключи, исходники, Debug.
var Dev = slog.New(newHandler(
	devslog.NewHandler(os.Stdout, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	}),
))

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop логгер, который ничего не пишет.
var Noop = slog.New(noopHandler{})

// New создает консольный логгер с заданным уровнем.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(newHandler(
		console.NewHandler(w, &console.HandlerOptions{
			AddSource:  level.Level() <= slog.LevelDebug,
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

// ParseLevel разбирает уровень из строки конфигурации/флага.
// Неизвестное значение дает Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrNoop возвращает l, либо Noop если l == nil.
func OrNoop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Noop
	}
	return l
}

// Component возвращает логгер с атрибутом component.
func Component(l *slog.Logger, name string) *slog.Logger {
	return OrNoop(l).With("component", name)
}
