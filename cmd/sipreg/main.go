// Команда sipreg регистрирует SIP аккаунты из YAML файла и держит
// регистрацию до сигнала завершения.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/eventloop"
	"github.com/arzzra/sipreg/pkg/logging"
	"github.com/arzzra/sipreg/pkg/nat"
	"github.com/arzzra/sipreg/pkg/registration"
	"github.com/arzzra/sipreg/pkg/signals"
	"github.com/arzzra/sipreg/pkg/sipua"
)

func main() {
	var (
		configPath  = flag.String("config", "accounts.yaml", "YAML файл с аккаунтами")
		logLevel    = flag.String("log-level", "info", "Уровень логирования: debug, info, warn, error")
		devLog      = flag.Bool("dev-log", false, "Подробный лог для разработки")
		metricsAddr = flag.String("metrics-addr", "", "Адрес HTTP для /metrics (пусто - выключено)")
		pmpGateway  = flag.String("natpmp-gateway", "", "Адрес шлюза NAT-PMP (пусто - x.x.x.1 подсети)")
		dnsServer   = flag.String("dns-server", "", "DNS сервер для SRV (пусто - из resolv.conf)")
		saveOnExit  = flag.Bool("save", false, "Сохранить текущие настройки аккаунтов при выходе")
		stopTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "Сколько ждать снятия регистраций")
	)
	flag.Parse()

	log := logging.New(os.Stdout, logging.ParseLevel(*logLevel))
	if *devLog {
		log = logging.Dev
	}

	if err := run(log, options{
		configPath:  *configPath,
		metricsAddr: *metricsAddr,
		pmpGateway:  *pmpGateway,
		dnsServer:   *dnsServer,
		save:        *saveOnExit,
		stopTimeout: *stopTimeout,
	}); err != nil {
		log.Error("sipreg завершился с ошибкой", "error", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	metricsAddr string
	pmpGateway  string
	dnsServer   string
	save        bool
	stopTimeout time.Duration
}

func run(log *slog.Logger, opts options) error {
	configs, err := account.LoadFile(opts.configPath, log)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return fmt.Errorf("в %s нет аккаунтов", opts.configPath)
	}

	var gateway netip.Addr
	if opts.pmpGateway != "" {
		if gateway, err = netip.ParseAddr(opts.pmpGateway); err != nil {
			return fmt.Errorf("natpmp-gateway: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := registration.NewMetrics(reg)

	loop := eventloop.New(eventloop.WithLogger(log))
	defer loop.Stop()

	bus := signals.New(signals.WithLogger(log))
	subscribe(bus, log)

	mapperOpts := []nat.MapperOption{nat.WithLogger(log)}
	deps := registration.Dependencies{
		Transport:     sipua.NewTransport(sipua.WithLogger(log)),
		Authenticator: sipua.NewDigestAuthenticator(),
		PortMapper: nat.NewChain(
			nat.NewUPnPMapper(mapperOpts...),
			nat.NewNATPMPMapper(gateway, mapperOpts...),
		),
		Stun:          nat.NewStunClient(nat.WithStunLogger(log)),
		Hosts:         &sipua.SRVResolver{NameServer: opts.dnsServer, Logger: log},
		Signals:       bus,
		InterfaceAddr: registration.DefaultInterfaceAddr,
	}
	manager := registration.NewManager(loop, deps, registration.ManagerConfig{
		Logger:  log,
		Metrics: metrics,
	})

	for _, cfg := range configs {
		if _, err := manager.Add(cfg); err != nil {
			log.Error("аккаунт пропущен", "account", cfg.ID, "error", err)
		}
	}

	var srv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("сервер метрик остановлен", "error", err)
			}
		}()
		log.Info("метрики доступны", "addr", opts.metricsAddr)
	}

	manager.RegisterAll()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig == syscall.SIGHUP {
			// SIGHUP - сигнал о смене сети
			manager.ConnectivityChanged()
			continue
		}
		log.Info("получен сигнал завершения", "signal", sig.String())
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.stopTimeout)
	defer cancel()
	shutdownErr := manager.Shutdown(ctx)
	if shutdownErr != nil {
		log.Warn("не все регистрации сняты", "error", shutdownErr)
	}

	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if opts.save {
		if err := save(opts.configPath, manager.Configs()); err != nil {
			return err
		}
		log.Info("настройки аккаунтов сохранены", "path", opts.configPath)
	}
	return shutdownErr
}

func subscribe(bus *signals.Bus, log *slog.Logger) {
	if _, err := bus.OnRegistrationState(func(e signals.RegistrationStateEvent) {
		log.Info("состояние регистрации",
			"account", e.AccountID,
			"state", e.State.String(),
			"code", e.Code,
			"description", e.Description,
		)
	}); err != nil {
		log.Warn("подписка на состояние регистрации", "error", err)
	}
	if _, err := bus.OnContactChanged(func(e signals.ContactChangedEvent) {
		log.Info("адрес Contact изменен", "account", e.AccountID, "address", e.Address)
	}); err != nil {
		log.Warn("подписка на смену Contact", "error", err)
	}
	if _, err := bus.OnStunFailed(func(e signals.StunFailedEvent) {
		log.Warn("STUN не ответил", "account", e.AccountID)
	}); err != nil {
		log.Warn("подписка на ошибки STUN", "error", err)
	}
}

func save(path string, configs []account.Config) error {
	data, err := account.Marshal(configs)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
