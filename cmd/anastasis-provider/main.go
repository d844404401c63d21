// Command anastasis-provider runs one Anastasis key-escrow provider
// instance (spec.md §6): an HTTP server exposing /policy and /truth,
// backed by an in-memory store and a Taler merchant backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anastasis-provider/anastasis/internal/api"
	"github.com/anastasis-provider/anastasis/internal/authplugin"
	"github.com/anastasis-provider/anastasis/internal/config"
	"github.com/anastasis-provider/anastasis/internal/merchant"
	"github.com/anastasis-provider/anastasis/internal/ratelimit"
	"github.com/anastasis-provider/anastasis/internal/scheduler"
	"github.com/anastasis-provider/anastasis/internal/store"
	"github.com/anastasis-provider/anastasis/internal/store/memstore"
	"github.com/anastasis-provider/anastasis/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config server.host:server.port)")
	insecurePay := flag.Bool("insecure-pay", false, "advertise taler+http:// pay URIs instead of taler://, for local/test deployments")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	st := buildStore(cfg)

	mc := merchant.New(merchant.ClientConfig{
		BaseURL:    cfg.Merchant.BackendURL,
		APIKey:     cfg.Merchant.APIKey,
		InstanceID: cfg.Merchant.InstanceID,
	})

	auth := buildAuthRegistry(cfg)
	sched := scheduler.New()

	listenAddr := determineAddr(*addr, cfg)
	handler := api.New(cfg, st, mc, auth, sched, appLog,
		api.WithHost(hostFromAddr(listenAddr, cfg)),
		api.WithInsecurePay(*insecurePay),
	)

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, appLog)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: limiter.Middleware(handler.Routes()),
	}

	appLog.WithField("addr", listenAddr).Info("anastasis provider listening")

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		appLog.WithField("error", err.Error()).Fatal("http server failed")
	case <-sigCh:
		appLog.Info("shutting down")
	}

	sched.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.WithField("error", err.Error()).Error("graceful shutdown failed")
	}
}

// buildStore wires the storage backend. A Postgres-backed store.Store
// is out of scope (spec.md §1 Non-goals); memstore is the only
// implementation shipped, matching DESIGN.md's C2 grounding.
func buildStore(cfg *config.Config) store.Store {
	_ = cfg
	return memstore.New()
}

// buildAuthRegistry registers every authorization method enabled in
// configuration, carrying each one's per-use cost from
// cfg.AuthMethod[method].CostCents into its Capabilities.StaticCost
// (spec §4.3: "static_cost is configured per deployment, not hardcoded
// into the plugin").
func buildAuthRegistry(cfg *config.Config) *authplugin.Registry {
	reg := authplugin.NewRegistry()

	for method, mc := range cfg.AuthMethod {
		if !mc.Enabled {
			continue
		}
		cost := store.Amount{Currency: cfg.Anastasis.Currency, Value: mc.CostCents}
		switch method {
		case "question":
			q := authplugin.QuestionPlugin()
			q.StaticCost = cost
			reg.Register(q)
		case "file":
			reg.Register(authplugin.FilePlugin(cost, nil))
		case "sms":
			reg.Register(authplugin.SMSPlugin(cost, nil))
		default:
			// Unknown methods in configuration are silently inert: Lookup
			// will report ErrUnknownMethod for them until an operator
			// wires a real delivery backend and registers it here.
		}
	}

	return reg
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	host := strings.TrimSpace(cfg.Server.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8086
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func hostFromAddr(addr string, cfg *config.Config) string {
	if host := strings.TrimSpace(cfg.Server.Host); host != "" && host != "0.0.0.0" {
		return host
	}
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
