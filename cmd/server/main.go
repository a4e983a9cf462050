// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentrusty/pressgate/internal/audit"
	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/config"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/guard"
	"github.com/opentrusty/pressgate/internal/observability/logger"
	"github.com/opentrusty/pressgate/internal/observability/metrics"
	"github.com/opentrusty/pressgate/internal/observability/tracing"
	"github.com/opentrusty/pressgate/internal/policy"
	"github.com/opentrusty/pressgate/internal/policygen"
	"github.com/opentrusty/pressgate/internal/profile"
	"github.com/opentrusty/pressgate/internal/storage"
	"github.com/opentrusty/pressgate/internal/store/memory"
	"github.com/opentrusty/pressgate/internal/store/postgres"
	transportHTTP "github.com/opentrusty/pressgate/internal/transport/http"
)

const usage = `usage: server [command]

commands:
  serve                           run the HTTP server (default)
  migrate                         apply database migrations
  token <principal-id> [name] [email]
                                  print a signed token for local testing
  role <principal-id> <role>      change a principal's stored role
`

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		Output:      os.Stderr,
	})

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		err = runServe(cfg)
	case "migrate":
		err = runMigrate(cfg)
	case "token":
		err = runToken(cfg, os.Args[2:])
	case "role":
		err = runRole(cfg, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", logger.Error(err))
		os.Exit(1)
	}
}

// stores are the document store ports for the configured driver.
type stores struct {
	profiles profile.Repository
	content  content.Repository
	docs     storage.Store
	pinger   transportHTTP.Pinger
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Database.Driver == config.DriverMemory {
		slog.Warn("using in-memory document store; data is lost on exit")
		mem := memory.New()
		return &stores{profiles: mem, content: mem, docs: mem, close: func() {}}, nil
	}

	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	contentRepo := postgres.NewContentRepository(db)
	return &stores{
		profiles: postgres.NewProfileRepository(db),
		content:  contentRepo,
		docs:     contentRepo,
		pinger:   db,
		close:    db.Close,
	}, nil
}

// loadPolicy loads the storage policy and refuses one that disagrees with
// the rule table.
func loadPolicy(cfg *config.Config) (*policy.Policy, error) {
	pol, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	if err := policygen.Check(pol); err != nil {
		return nil, err
	}
	return pol, nil
}

func runServe(cfg *config.Config) error {
	slog.Info("starting pressgate")

	// Initialize context
	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   cfg.Observability.SamplingRate,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		tracer = tracing.Noop()
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		meter = metrics.Noop()
	}
	decisions, err := metrics.NewDecisions(meter)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	pol, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	auditLogger := audit.NewSlogLogger()
	evaluator := authz.NewEvaluator(authz.Options{PublicSiteConfig: cfg.Policy.PublicSiteConfig})

	// Initialize services
	profileService := profile.NewService(st.profiles, auditLogger, cfg.Resolver.Timeout)
	contentService := content.NewService(st.content)
	gateway := storage.NewGateway(st.docs, pol, auditLogger, storage.Options{
		PublicSiteConfig:     cfg.Policy.PublicSiteConfig,
		RetryInitialInterval: cfg.Storage.RetryInitialInterval,
		RetryMaxElapsed:      cfg.Storage.RetryMaxElapsed,
	}, tracer, decisions)
	clientGuard := guard.New(profileService, contentService, evaluator)

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Close()

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(
		authn.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience),
		profileService,
		contentService,
		gateway,
		clientGuard,
		auditLogger,
		st.pinger,
	)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      transportHTTP.NewRouter(handler, rateLimiter, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
	return nil
}

func runMigrate(cfg *config.Config) error {
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate requires DB_DRIVER=%s", config.DriverPostgres)
	}

	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("migration successful")
	return nil
}

func runToken(cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return errors.New("token: principal id required")
	}
	p := authn.Principal{ID: args[0]}
	if len(args) > 1 {
		p.DisplayName = args[1]
	}
	if len(args) > 2 {
		p.Email = args[2]
	}

	token, err := authn.NewIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL).Issue(p)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runRole is the out-of-band admin path for changing a stored role.
func runRole(cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return errors.New("role: usage: role <principal-id> <role>")
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("role requires DB_DRIVER=%s", config.DriverPostgres)
	}
	role, err := authz.ParseRole(args[1])
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.NewProfileRepository(db).SetRole(ctx, args[0], role); err != nil {
		return err
	}
	slog.Info("role changed", logger.PrincipalID(args[0]), logger.Role(role.String()))
	return nil
}
