package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"portal-gateway/internal/api"
	"portal-gateway/internal/auth"
	"portal-gateway/internal/conf"
	"portal-gateway/internal/session"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/config.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// load config
	cfg, err := conf.Load(flagconf)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// session store
	var store session.Store
	switch cfg.Session.Backend {
	case "redis":
		store, err = session.NewRedisStore(ctx, cfg.Session.Redis, cfg.Session.MaxAge)
	case "sqlite":
		store, err = session.NewSQLiteStore(cfg.Session.SQLite.Path, cfg.Session.MaxAge)
	case "memory":
		store = session.NewMemoryStore(cfg.Session.MaxAge)
	}
	if err != nil {
		logger.Error("failed to init session store", "backend", cfg.Session.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("session store ready", "backend", cfg.Session.Backend)

	// identity provider client
	redirectURL := cfg.OIDC.GetRedirectURL(cfg.Server.BaseURL)
	idp, err := auth.NewOIDCClient(ctx, &cfg.OIDC, redirectURL)
	if err != nil {
		logger.Error("failed to init OIDC client", "error", err)
		os.Exit(1)
	}
	logger.Info("OIDC client ready", "issuer", cfg.OIDC.Issuer, "redirect_url", redirectURL)

	// auth state machine and request pipeline
	cookies := session.NewCookies(cfg.Session)
	authenticator := auth.NewAuthenticator(store, idp, logger)
	authMiddleware := authenticator.Middleware(cookies)

	exchanger := auth.NewTokenExchanger(idp, logger)

	authHandler := api.NewAuthHandler(authenticator, cookies,
		cfg.OIDC.PostLoginRedirect, cfg.Server.LoginErrorURL, logger)
	proxyHandler, err := api.NewProxyHandler(exchanger, cfg.Services, logger)
	if err != nil {
		logger.Error("failed to init downstream proxies", "error", err)
		os.Exit(1)
	}
	router := api.NewRouter(authHandler, proxyHandler, authMiddleware, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
