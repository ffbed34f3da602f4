// matchmakerd is the matchmaking and session-lifecycle coordinator. It
// serves the websocket matchmaker gateway and runs the background
// reaper and delete workers over a shared redis coordination host.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/edgelobby/edgelobby/coord/redishost"
	"github.com/edgelobby/edgelobby/gateway"
	"github.com/edgelobby/edgelobby/internal/keywatch"
	"github.com/edgelobby/edgelobby/internal/logctx"
	"github.com/edgelobby/edgelobby/matchmaker"
	"github.com/edgelobby/edgelobby/provision/edgegap"
	"github.com/edgelobby/edgelobby/token"
)

type settings struct {
	// AppName and AppVersion identify the game on the provisioning
	// provider. Both are verified at startup.
	AppName    string `env:"EDGELOBBY_APP_NAME,required"`
	AppVersion string `env:"EDGELOBBY_APP_VERSION,required"`

	// ProtocolID must match the game client and server builds.
	ProtocolID uint64 `env:"EDGELOBBY_PROTOCOL_ID,default=1982"`

	// PrivateKey is the connect-token key as 32 comma-separated bytes.
	// PrivateKeyFile, when set, takes precedence and is hot-reloaded.
	PrivateKey     string `env:"EDGELOBBY_PRIVATE_KEY"`
	PrivateKeyFile string `env:"EDGELOBBY_PRIVATE_KEY_FILE"`

	// WebhookURL is forwarded to the provider on session creation.
	WebhookURL string `env:"EDGELOBBY_WEBHOOK_URL"`

	LogLevel string `env:"EDGELOBBY_LOG_LEVEL,default=INFO"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg settings
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, err := redishost.NewFromEnv()
	if err != nil {
		return fmt.Errorf("connect coordination host: %w", err)
	}
	defer host.Close()

	prov, err := edgegap.NewFromEnv()
	if err != nil {
		return fmt.Errorf("build provisioning client: %w", err)
	}

	key, err := token.ParseKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	minter := token.NewMinter(cfg.ProtocolID, key)

	if err := matchmaker.VerifyApplication(ctx, prov, log, cfg.AppName, cfg.AppVersion); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	gwCfg, err := gateway.NewConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}

	processor := matchmaker.NewProcessor(host, prov, minter, cfg.AppName,
		matchmaker.WithLogger(log),
		matchmaker.WithWebhookURL(cfg.WebhookURL),
	)
	reaper := matchmaker.NewReaper(host,
		matchmaker.WithReaperLogger(log),
		matchmaker.WithReapMaxSessionCreationTime(processor.MaxSessionCreationTime()),
	)
	deleter := matchmaker.NewDeleteWorker(host, prov,
		matchmaker.WithDeleteLogger(log),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		deleter.Run(ctx)
	}()

	if cfg.PrivateKeyFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := keywatch.Watch(ctx, log, cfg.PrivateKeyFile, minter.SetKey)
			if err != nil && ctx.Err() == nil {
				log.ErrorContext(ctx, "main.keywatch.exit", slog.String("err", err.Error()))
			}
		}()
	}

	srv := &http.Server{
		Addr:    gwCfg.ListenAddr,
		Handler: gateway.NewServer(*gwCfg, processor, gateway.WithLogger(log)).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "main.listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "main.shutdown")
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(ctx, "main.shutdown.forced", slog.String("err", err.Error()))
	}
	wg.Wait()
	return nil
}
