// Command autophoned is the single-process device-test orchestrator, §5:
// one Postgres-backed job store, one Supervisor owning one goroutine per
// configured phone, and an admin HTTP surface over Fiber. Wiring order is
// config → stores → domain services → HTTP → signal-driven graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"autophoned/internal/api"
	"autophoned/internal/auth"
	"autophoned/internal/buildcache"
	"autophoned/internal/command"
	"autophoned/internal/config"
	"autophoned/internal/db"
	devicefake "autophoned/internal/device/fake"
	"autophoned/internal/jobstore"
	"autophoned/internal/mailer"
	"autophoned/internal/observability"
	"autophoned/internal/rate"
	"autophoned/internal/statusmirror"
	"autophoned/internal/supervisor"
	"autophoned/internal/testcase"
	testcasefake "autophoned/internal/testcase/fake"
	"autophoned/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "autophoned: config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("autophoned: fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	phones, err := config.LoadFleet(cfg.PhonesFile)
	if err != nil {
		return fmt.Errorf("load fleet: %w", err)
	}

	shutdownTelemetry, err := observability.SetupOpenTelemetry("autophoned", len(phones), logger)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer shutdownTelemetry()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics setup: %w", err)
	}

	pg, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer pg.Close()
	if err := pg.RunMigrations("migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	redisDB, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer redisDB.Close()

	mail := buildMailer(cfg, logger)

	jobs := jobstore.New(pg, logger, mail,
		jobstore.WithMaxAttempts(cfg.MaxAttempts),
		jobstore.WithRetryDelay(cfg.SQLRetryDelay),
		jobstore.WithMaxRetries(cfg.SQLMaxRetries),
		jobstore.WithMetrics(metrics),
	)

	cache := buildcache.New("http://127.0.0.1:8000", redisDB, 10*time.Minute, logger)

	mirror, err := statusmirror.New(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer mirror.Close()

	sup := supervisor.New(cfg, logger, mirror)
	sup.SetMetrics(metrics)

	for _, phoneCfg := range phones {
		agent, tests, err := newDeviceBinding(phoneCfg, logger)
		if err != nil {
			return fmt.Errorf("device binding for %s: %w", phoneCfg.PhoneID, err)
		}
		cmds := command.New(16)
		w := worker.New(phoneCfg, cfg, agent, tests, jobs, cmds, sup.StatusChannel(),
			cache, mail, logger, "")
		w.SetDropNotifier(mirror)
		w.SetMetrics(metrics)
		sup.Register(ctx, phoneCfg.PhoneID, w, cmds)
	}
	go sup.RunAggregation(ctx)

	authSvc, err := auth.NewService(cfg.AdminToken, logger)
	if err != nil {
		return fmt.Errorf("auth setup: %w", err)
	}
	rateLimiter := rate.NewLimiter(redisDB, logger, 2, 10)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})
	handlers := api.NewHandlers(logger, sup, jobs, pg, redisDB)
	api.SetupRoutes(app, logger, metrics, handlers, authSvc, rateLimiter)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("autophoned: listening", zap.String("port", cfg.Port))
		if err := app.Listen(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("autophoned: shutdown signal received")
	case err := <-serverErrCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("autophoned: http shutdown error", zap.Error(err))
	}
	sup.Shutdown()
	return nil
}

func buildMailer(cfg *config.Config, logger *zap.Logger) mailer.Mailer {
	addr := os.Getenv("SMTP_ADDR")
	if addr == "" {
		return mailer.NewLogMailer(logger)
	}
	from := os.Getenv("SMTP_FROM")
	user := os.Getenv("SMTP_USER")
	pass := os.Getenv("SMTP_PASS")
	recipients := splitComma(os.Getenv("SMTP_RECIPIENTS"))
	return mailer.NewSMTPMailer(addr, user, pass, from, recipients, logger)
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// newDeviceBinding constructs the DeviceAgent and TestCase set for a single
// phone. §2 scopes the DeviceAgent adapter and the TestCase body as
// interface-only concerns ("Not implemented here"): a real deployment
// swaps this out for a binding that actually drives hardware (ADB,
// SUTAgent-over-TCP, whatever the fleet speaks) and a real test suite.
// Until then this scripted stand-in lets the process boot and exercise the
// full state machine end to end without physical hardware attached.
func newDeviceBinding(phoneCfg config.PhoneConfig, logger *zap.Logger) (*devicefake.Agent, []testcase.TestCase, error) {
	agent := devicefake.New("/mnt/sdcard")
	smoke := testcasefake.New("smoke")
	return agent, []testcase.TestCase{smoke}, nil
}
