// Package main is the entry point of sessiond, the session daemon backing the
// browser extension: it restores or establishes the account session, keeps it
// in sync with remote push events and serves the local control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/keyward/sessiond/internal/api"
	"github.com/keyward/sessiond/internal/api/client"
	"github.com/keyward/sessiond/internal/browser"
	"github.com/keyward/sessiond/internal/buildinfo"
	"github.com/keyward/sessiond/internal/config"
	"github.com/keyward/sessiond/internal/logging"
	"github.com/keyward/sessiond/internal/notify"
	"github.com/keyward/sessiond/internal/store"
	"github.com/keyward/sessiond/internal/util"
	"github.com/keyward/sessiond/internal/watcher"
	"github.com/keyward/sessiond/internal/wsrelay"
	"github.com/keyward/sessiond/sdk/session"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

const defaultAuthDir = "~/.sessiond"

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("sessiond Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	var noBrowser bool
	var forkRequest bool

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the browser for sign-in, copy the URL instead")
	flag.BoolVar(&forkRequest, "fork-request", false, "Start a sign-in through the web application when no session can be restored")
	flag.Parse()

	if err := run(configPath, noBrowser, forkRequest); err != nil {
		log.Errorf("sessiond: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, noBrowser, forkRequest bool) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		return err
	}
	util.SetLogLevel(cfg)

	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		return err
	}
	if authDir == "" {
		if base := util.WritablePath(); base != "" {
			authDir = filepath.Join(base, "auth")
		} else if authDir, err = util.ResolveAuthDir(defaultAuthDir); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg, authDir)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	defer func() {
		if errClose := backend.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close credential store")
		}
	}()
	log.WithField("store", backend.Name()).Info("credential store ready")

	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 30 * time.Second})
	apiClient, err := client.New(client.Options{
		BaseURL:        cfg.APIBaseURL,
		AppVersion:     cfg.AppVersion,
		HTTPClient:     httpClient,
		EventsPath:     cfg.Events.Path,
		ReconnectDelay: time.Duration(cfg.Events.ReconnectSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	hub := notify.NewHub()
	svc, err := session.New(session.Options{
		Client:         apiClient,
		Storage:        backend,
		Notifier:       hub,
		OnAuthorized:   func() { log.Info("session authorized") },
		OnUnauthorized: func() { log.Info("session ended") },
	})
	if err != nil {
		return err
	}

	relay := wsrelay.NewRelay(wsrelay.Options{Source: hub})
	server := api.NewServer(cfg, svc, relay)
	if err = server.Start(); err != nil {
		return err
	}

	watchOpts := watcher.Options{
		ConfigPath: configPath,
		OnConfigReload: func(newCfg *config.Config) {
			util.SetLogLevel(newCfg)
			if errLog := logging.ConfigureLogOutput(newCfg); errLog != nil {
				log.WithError(errLog).Warn("failed to apply logging config")
			}
		},
	}
	if fileStore, ok := backend.(*store.FileStore); ok {
		watchOpts.CredentialPath = fileStore.Path()
		watchOpts.OnCredentialsRemoved = svc.HandleStorageCleared
	}
	fileWatcher, err := watcher.NewWatcher(watchOpts)
	if err != nil {
		return err
	}
	if err = fileWatcher.Start(ctx); err != nil {
		log.WithError(err).Warn("file watcher disabled")
	}
	defer func() { _ = fileWatcher.Stop() }()

	if !svc.Init(ctx) {
		log.WithField("status", svc.Status()).Info("no session restored")
		if forkRequest {
			requestSignIn(cfg, server.Addr(), noBrowser)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if errStop := server.Stop(shutdownCtx); errStop != nil {
		log.WithError(errStop).Warn("control API shutdown failed")
	}
	svc.Shutdown()
	return nil
}

func requestSignIn(cfg *config.Config, addr string, noBrowser bool) {
	if cfg.AccountURL == "" {
		log.Warn("account-url is not configured, cannot request a sign-in")
		return
	}
	req, err := browser.RequestFork(browser.ForkRequestOptions{
		AccountURL:  cfg.AccountURL,
		AppVersion:  cfg.AppVersion,
		CallbackURL: "http://" + addr + "/v0/session/fork",
		NoBrowser:   noBrowser || !browser.IsAvailable(),
	})
	if err != nil {
		log.WithError(err).Warn("sign-in request failed")
		return
	}
	log.Debugf("sign-in requested via %s", req.Delivery)
}
