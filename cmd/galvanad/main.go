// galvanad hosts the potentiostat telemetry gateway: a REST + WebSocket
// surface for clients on one listener and the instrument HAL surface on
// another. Mode "all" runs both in one process over the in-memory bus; the
// split modes talk over HTTP with frames carried by Redis.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/auth"
	"github.com/galvana-labs/galvana/backpressure"
	"github.com/galvana-labs/galvana/bus"
	"github.com/galvana-labs/galvana/bus/redisbus"
	"github.com/galvana-labs/galvana/config"
	"github.com/galvana-labs/galvana/connmgr"
	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/driver/mock"
	"github.com/galvana-labs/galvana/driver/sim"
	"github.com/galvana-labs/galvana/instrument"
	"github.com/galvana-labs/galvana/metrics"
	"github.com/galvana-labs/galvana/router"
	"github.com/galvana-labs/galvana/safety"
	"github.com/galvana-labs/galvana/store"
	"github.com/galvana-labs/galvana/store/postgres"
	"github.com/galvana-labs/galvana/store/sqlite"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("GALVANA_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "galvanad",
		Level: hclog.LevelFromString(cfg.Log.Level),
	})
	logger.Info("starting", "version", version, "mode", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	if cfg.Mode != config.ModeInstrument {
		if err := seedAdmin(ctx, st, cfg, logger); err != nil {
			log.Fatalf("seed admin: %v", err)
		}
	}

	telemetryBus, err := openBus(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bus: %v", err)
	}
	defer telemetryBus.Close()

	met := metrics.New()

	// ---- instrument surface ----
	var (
		svc     *instrument.Service
		instSrv *http.Server
	)
	if cfg.Mode != config.ModeGateway {
		svc, err = buildInstrument(cfg, telemetryBus, st, logger)
		if err != nil {
			log.Fatalf("instrument: %v", err)
		}
		instSrv = &http.Server{
			Addr:         cfg.Server.InstrumentAddr,
			Handler:      instrument.NewRouter(svc),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go serve(instSrv, "instrument", logger)
	}

	// ---- gateway surface ----
	var (
		gwSrv *http.Server
		mgr   *connmgr.Manager
	)
	if cfg.Mode != config.ModeInstrument {
		oracle := auth.NewTokenOracle([]byte(cfg.Auth.Secret))
		monitor := backpressure.NewMonitor(logger, met)

		mgr = connmgr.New(connmgr.Options{
			Oracle:     oracle,
			Store:      st,
			Bus:        telemetryBus,
			Monitor:    monitor,
			Metrics:    met,
			Logger:     logger,
			Policy:     queuePolicy(cfg.Backpressure),
			MaxPerUser: cfg.Limits.MaxConnectionsPerPrincipal,
		})

		var inst router.Instrument = svc
		if svc == nil {
			inst = instrument.NewClient(cfg.Server.InstrumentURL, 10*time.Second)
		}

		gwSrv = &http.Server{
			Addr: cfg.Server.GatewayAddr,
			Handler: router.New(router.Deps{
				Store:      st,
				Oracle:     oracle,
				Instrument: inst,
				ConnMgr:    mgr,
				Monitor:    monitor,
				Metrics:    met,
				Bus:        telemetryBus,
				Logger:     logger,
				JWTSecret:  []byte(cfg.Auth.Secret),
			}),
			// No write timeout: the WebSocket streams outlive any sane value.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go serve(gwSrv, "gateway", logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()

	// Stop API intake first, then abort runs so their terminal frames reach
	// subscribers that are still connected, then drop the sockets.
	if gwSrv != nil {
		_ = gwSrv.Shutdown(shutCtx)
	}
	if svc != nil {
		_ = svc.Close(shutCtx)
	}
	if mgr != nil {
		_ = mgr.CloseAll(shutCtx)
	}
	if instSrv != nil {
		_ = instSrv.Shutdown(shutCtx)
	}
}

func serve(srv *http.Server, surface string, logger hclog.Logger) {
	logger.Info("listening", "surface", surface, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("%s server: %v", surface, err)
	}
}

func openStore(ctx context.Context, cfg config.Data) (store.Store, error) {
	if cfg.Store.Backend == "postgres" {
		return postgres.Open(ctx, cfg.Store.DSN)
	}
	return sqlite.Open(cfg.Store.Path)
}

func openBus(ctx context.Context, cfg config.Data, logger hclog.Logger) (bus.Bus, error) {
	if cfg.Bus.Backend == "redis" {
		return redisbus.New(ctx, redisbus.Options{
			Addr:     cfg.Bus.Addr,
			Password: cfg.Bus.Password,
			DB:       cfg.Bus.DB,
		}, logger)
	}
	return bus.NewMemory(logger), nil
}

// seedAdmin creates the configured admin account on first boot so a fresh
// deployment can log in.
func seedAdmin(ctx context.Context, st store.Store, cfg config.Data, logger hclog.Logger) error {
	if cfg.Auth.AdminPassword == "" {
		logger.Warn("auth.admin_password not set; skipping admin seeding")
		return nil
	}
	existing, err := st.UserByUsername(ctx, cfg.Auth.AdminUser)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	hash, err := auth.HashPassword(cfg.Auth.AdminPassword)
	if err != nil {
		return err
	}
	if _, err := st.CreateUser(ctx, cfg.Auth.AdminUser, hash, true); err != nil {
		return err
	}
	logger.Info("seeded admin user", "username", cfg.Auth.AdminUser)
	return nil
}

func buildInstrument(cfg config.Data, b bus.Bus, st store.Store, logger hclog.Logger) (*instrument.Service, error) {
	registry := driver.NewRegistry(logger)
	if err := registry.Register(mock.Name, mock.Factory); err != nil {
		return nil, err
	}
	if err := registry.Register(sim.Name, sim.Factory); err != nil {
		return nil, err
	}

	return instrument.NewService(instrument.Options{
		Registry: registry,
		Bus:      b,
		Store:    st,
		Limits: safety.Limits{
			VoltageMin:  cfg.Safety.VoltageMin,
			VoltageMax:  cfg.Safety.VoltageMax,
			CurrentMin:  cfg.Safety.CurrentMin,
			CurrentMax:  cfg.Safety.CurrentMax,
			MaxDuration: config.Duration(cfg.Safety.MaxExperimentDuration, time.Hour),
		},
		Logger:            logger,
		ConnectTimeout:    config.Duration(cfg.Telemetry.DriverConnectTimeout, 5*time.Second),
		KeyframeInterval:  cfg.Telemetry.KeyframeInterval,
		DefaultSamplingHz: cfg.Telemetry.SamplingRateHz,
		StopOnDisconnect:  cfg.Safety.StopOnDisconnect,
	}), nil
}

func queuePolicy(b config.Backpressure) backpressure.Policy {
	return backpressure.Policy{
		Capacity:        b.QueueCapacity,
		MediumThreshold: b.MediumThreshold,
		SlowThreshold:   b.SlowThreshold,
		EnqueueTimeout:  config.Duration(b.EnqueueTimeout, time.Second),
		WarningCooldown: config.Duration(b.WarningCooldown, 5*time.Second),
	}
}
