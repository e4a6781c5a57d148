// Command example-gateway bridges HTTP clients onto the SOA mesh: it
// translates JSON POST bodies into job calls through the client engine
// and maps SOA errors back to HTTP statuses.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/gosoa/client"
	"github.com/fairyhunter13/gosoa/internal/observability"
	"github.com/fairyhunter13/gosoa/middleware"
)

type config struct {
	ListenAddr       string        `env:"GATEWAY_LISTEN_ADDR" envDefault:":8080"`
	Environment      string        `env:"GATEWAY_ENVIRONMENT" envDefault:"development"`
	Debug            bool          `env:"GATEWAY_DEBUG"`
	RoutingFile      string        `env:"GATEWAY_ROUTING_FILE" validate:"required"`
	CORSAllowOrigins string        `env:"GATEWAY_CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int           `env:"GATEWAY_RATE_LIMIT_PER_MIN" envDefault:"120"`
	RequestTimeout   time.Duration `env:"GATEWAY_REQUEST_TIMEOUT" envDefault:"30s"`

	// AdminKeyHash is the argon2id-encoded hash of the admin API key.
	// Empty disables the admin endpoints.
	AdminKeyHash string `env:"GATEWAY_ADMIN_KEY_HASH"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

func main() {
	// "example-gateway hash-admin-key <key>" prints the encoded hash to
	// put in GATEWAY_ADMIN_KEY_HASH and exits.
	if len(os.Args) == 3 && os.Args[1] == "hash-admin-key" {
		encoded, err := hashKey(os.Args[2], defaultArgon2Params)
		if err != nil {
			slog.Error("failed to hash key", slog.Any("error", err))
			os.Exit(1)
		}
		os.Stdout.WriteString(encoded + "\n")
		return
	}

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		slog.Error("failed to parse configuration", slog.Any("error", err))
		os.Exit(64)
	}
	if err := validator.New().Struct(cfg); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(64)
	}

	logger := observability.SetupLogger("example-gateway", cfg.Environment, cfg.Debug)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(context.Background(),
		"example-gateway", cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	routing, err := client.LoadRouting(cfg.RoutingFile)
	if err != nil {
		logger.Error("failed to load routing table", slog.Any("error", err))
		os.Exit(64)
	}
	soaClient, err := client.New(&client.Settings{
		Transport:      routing.Factory(),
		Context:        map[string]any{"caller": "example-gateway"},
		Middleware:     []client.Middleware{middleware.NewClientTracing()},
		DefaultTimeout: cfg.RequestTimeout,
		Expansions:     routing.Expansions,
	})
	if err != nil {
		logger.Error("failed to build client", slog.Any("error", err))
		os.Exit(1)
	}
	defer soaClient.Close()

	gw := &gateway{cfg: cfg, client: soaClient, log: logger}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stop
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", slog.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("gateway failed", slog.Any("error", err))
		os.Exit(1)
	}
}
