package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"huaxuanbooks/internal/config"
	"huaxuanbooks/internal/util"
	"huaxuanbooks/pkg/apiclient"
	"huaxuanbooks/pkg/cache"
	"huaxuanbooks/pkg/datamanager"
	"huaxuanbooks/pkg/localstore"
	"huaxuanbooks/pkg/session"
	"huaxuanbooks/pkg/userstatus"
)

// Everything is constructed here in dependency order and passed by
// reference; there are no package-level singletons.
func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	refreshInterval, err := config.ParseRefreshInterval(cfg.RefreshInterval)
	if err != nil {
		log.Fatalf("failed to parse refresh interval: %v", err)
	}
	httpTimeout, err := config.ParseHTTPTimeout(cfg.HTTPTimeout)
	if err != nil {
		log.Fatalf("failed to parse http timeout: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel).With("instance", util.NewInstanceID())

	var store localstore.Store
	if cfg.RedisAddr != "" {
		redisStore := localstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, "")
		defer redisStore.Close()
		store = redisStore
	} else {
		fileStore, err := localstore.NewFileStore(cfg.StorePath)
		if err != nil {
			log.Fatalf("failed to open local store: %v", err)
		}
		store = fileStore
	}

	retry := apiclient.DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	var httpClient *http.Client
	if httpTimeout > 0 {
		httpClient = &http.Client{Timeout: httpTimeout}
	}
	api, err := apiclient.New(apiclient.Config{
		BaseURL:    cfg.APIBaseURL,
		Store:      store,
		Retry:      retry,
		HTTPClient: httpClient,
		Logger:     logger,
		OnAuthError: func() {
			logger.Warn("session rejected by server, login required")
		},
	})
	if err != nil {
		log.Fatalf("failed to init api client: %v", err)
	}

	dataCache := cache.New()
	manager, err := datamanager.New(datamanager.Config{
		API:             api,
		Cache:           dataCache,
		Store:           store,
		Logger:          logger,
		RefreshInterval: refreshInterval,
	})
	if err != nil {
		log.Fatalf("failed to init data manager: %v", err)
	}

	status := userstatus.New(store, logger)
	status.OnLogin(func(user userstatus.User) {
		logger.Info("user logged in", "username", user.Username)
	})
	status.OnLogout(func() {
		logger.Info("user logged out")
	})

	if sess, ok := session.Restore(store); ok {
		api.SetToken(sess.Token)
		slog.Info("session restored", "has_profile", sess.User != nil)
		manager.TriggerRefresh()
	}
	status.Check()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("storefront client running", "api", cfg.APIBaseURL)
	manager.Run(ctx)
	slog.Info("storefront client stopped")
}
