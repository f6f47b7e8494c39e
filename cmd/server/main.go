// Command server runs the proxy: it loads configuration, wires C1-C7 and
// the upstream client into an engine, and serves the gin HTTP surface
// until an interrupt or terminate signal arrives.
//
// Grounded on the teacher's cmd/server/main.go startup ordering and the
// graceful-shutdown pattern in sdk/cliproxy/pprof_server.go
// (context.WithTimeout around http.Server.Shutdown).
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-proxy/gateway/internal/api"
	"github.com/antigravity-proxy/gateway/internal/config"
	"github.com/antigravity-proxy/gateway/internal/cooldown"
	"github.com/antigravity-proxy/gateway/internal/credential"
	"github.com/antigravity-proxy/gateway/internal/engine"
	"github.com/antigravity-proxy/gateway/internal/logging"
	"github.com/antigravity-proxy/gateway/internal/metrics"
	"github.com/antigravity-proxy/gateway/internal/quota"
	"github.com/antigravity-proxy/gateway/internal/selector"
	"github.com/antigravity-proxy/gateway/internal/tokenizer"
	"github.com/antigravity-proxy/gateway/internal/translator"
	"github.com/antigravity-proxy/gateway/internal/upstream"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upClient := upstream.New(upstream.Config{
		BaseURLs:         baseURLs(cfg.APIURL),
		Host:             cfg.APIHost,
		UserAgent:        cfg.APIUserAgent,
		Timeout:          cfg.Timeout,
		RetryStatusCodes: cfg.RetryStatusCodes,
		ProxyURL:         cfg.Proxy,
	})

	oauthClient := credential.NewOAuth2Client(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL)
	store := credential.NewStore(cfg.CredentialsPath, oauthClient, upClient, cfg.SynthesizeProjectIDs)
	if err := store.Load(); err != nil {
		log.Fatalf("server: failed to load credentials from %s: %v", cfg.CredentialsPath, err)
	}
	log.Infof("server: loaded %d credential(s) from %s", store.Len(), cfg.CredentialsPath)

	monitor := quota.NewMonitor(store, upClient)
	cooldownRegistry := cooldown.NewRegistry(cfg.CooldownsPath, monitor)
	if err := cooldownRegistry.Load(); err != nil {
		log.Warnf("server: failed to load cooldowns from %s: %v", cfg.CooldownsPath, err)
	}

	ledger := tokenizer.NewLedger(tokenizer.NewMapStore())
	sel := selector.New(store, ledger, cooldownRegistry, cfg.CredentialMaxUsagePerHour)
	sel.SetUsedCallback(monitor.MarkUsed)

	monitor.Start(ctx)
	defer monitor.Stop()
	defer cooldownRegistry.Close()

	metricsRegistry := metrics.New()
	eng := engine.New(store, sel, cooldownRegistry, monitor, upClient, metricsRegistry, translator.NewSignatureCache(), cfg.SystemInstruction, cfg.APIUserAgent, cfg.RetryMaxAttempts)

	server := api.New(eng, cooldownRegistry, metricsRegistry, cfg.LogLevel, cfg.APIKey, cfg.PanelUser, cfg.PanelPassword)

	httpServer := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("server: listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server: graceful shutdown failed: %v", err)
	}
}

// baseURLs turns a single configured API_URL override into upstream.Config's
// fallover list; an empty override leaves the client's built-in fallover
// order untouched.
func baseURLs(apiURL string) []string {
	if apiURL == "" {
		return nil
	}
	return []string{apiURL}
}
