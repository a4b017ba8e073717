package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"otaupdater/internal/checker"
	"otaupdater/internal/config"
	"otaupdater/internal/controller"
	"otaupdater/internal/database"
	"otaupdater/internal/download"
	"otaupdater/internal/fetch"
	"otaupdater/internal/httputil"
	"otaupdater/internal/installer"
	"otaupdater/internal/logging"
	"otaupdater/internal/notify"
	"otaupdater/internal/platform"
	"otaupdater/internal/prefs"
	"otaupdater/internal/server"
	"otaupdater/internal/service"
	"otaupdater/internal/sysprop"
	"otaupdater/internal/system"
	"otaupdater/internal/telemetry"
	"otaupdater/internal/verify"
	"otaupdater/internal/version"
	"otaupdater/internal/worker"
)

// serve runs the updater daemon until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	// File logging only in development mode; on device stdout goes to logcat.
	if os.Getenv("OTA_ENV") == "development" || os.Getenv("DEBUG") == "true" {
		if err := logging.Initialize(cfg.LogDir); err != nil {
			logging.Warning("Failed to initialize file logging: %v", err)
		} else {
			defer logging.Close()
		}
	}

	versionInfo := version.Get()
	logging.Info("Starting otaupdater %s (%s)", versionInfo.Version, cfg)

	props, err := sysprop.Load(cfg.BuildPropPaths...)
	if err != nil {
		return fmt.Errorf("failed to read device properties: %w", err)
	}
	buildTimestamp := props.BuildTimestamp()

	shutdownTelemetry, err := telemetry.InitializeFromEnv(ctx, versionInfo.Version, props.Get(sysprop.Device, ""))
	if err != nil {
		logging.Warning("Failed to initialize telemetry: %v", err)
	} else {
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logging.Error("Error shutting down telemetry: %v", err)
			}
		}()
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error("Failed to close database: %v", err)
		}
	}()
	store := database.NewUpdateStore(db)

	kv, err := prefs.Open(cfg.PrefsPath)
	if err != nil {
		return fmt.Errorf("failed to open preferences: %w", err)
	}

	events := notify.NewBroadcaster()
	queue := worker.New("records", 64)
	queue.Start(1)
	defer queue.Stop()

	ctrl, err := controller.New(controller.Options{
		Store:     store,
		Publisher: events,
		WakeLock:  platform.NewSysfsWakeLock(cfg.WakeLockName, cfg.WakeLockPath, cfg.WakeUnlockPath),
		Verifier:  verify.New(cfg.RequireSignature),
		NewSession: func(opts download.Options) (controller.Session, error) {
			return download.New(opts)
		},
		Queue:        queue,
		SpaceChecker: system.FreeSpace,
		DownloadRoot: cfg.DownloadDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	engine := platform.NewUpdateEngineClient(cfg.UpdateEngineClient)
	defer engine.Close()

	legacy := installer.NewLegacy(installer.LegacyOptions{
		Updates:        ctrl,
		Prefs:          kv,
		Encryption:     platform.NewEncryption(props.IsEncrypted(), ""),
		Platform:       platform.NewRecoveryInstaller(cfg.RecoveryCommandFile, cfg.RebootCommand),
		BuildTimestamp: buildTimestamp,
	})
	ab := installer.NewAB(ctrl, kv, engine)
	defer ab.Close()
	ctrl.AttachInstallStatus(installer.Status{Legacy: legacy, AB: ab})
	svc := service.New(ctrl, legacy, ab)

	if err := service.CleanupDownloadsDir(cfg.DownloadDir, kv, store, buildTimestamp); err != nil {
		logging.Warning("Failed to clean up %s: %v", cfg.DownloadDir, err)
	}
	if err := ctrl.Load(ctx); err != nil {
		return fmt.Errorf("failed to load updates: %w", err)
	}
	svc.Recover()

	opts := server.Options{
		ListenAddr:     cfg.ListenAddr,
		Updates:        ctrl,
		Control:        svc,
		Events:         events,
		DownloadDir:    cfg.DownloadDir,
		BuildVersion:   props.Get(sysprop.BuildVersion, ""),
		BuildTimestamp: buildTimestamp,
	}

	serverURL := cfg.ServerURL
	if serverURL == "" {
		serverURL = props.Get(sysprop.UpdaterURI, "")
	}
	if serverURL == "" {
		logging.Warning("No update server configured; update checks are disabled")
	} else {
		chk, stopChecks, err := newChecker(serverURL, cfg, ctrl, kv, buildTimestamp)
		if err != nil {
			return err
		}
		defer stopChecks()
		opts.Checker = chk
	}

	srv, err := server.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	logging.Info("Control API listening on %s", cfg.ListenAddr)
	err = srv.Start(ctx)

	ctrl.Shutdown()
	legacy.Wait()
	ctrl.Wait()
	logging.Info("Updater stopped")
	return err
}

func newChecker(serverURL string, cfg *config.Config, ctrl *controller.Controller, kv prefs.KV, buildTimestamp int64) (*checker.Checker, func(), error) {
	fetcher, err := fetch.New(fetch.Options{
		ServerURL: serverURL,
		Retry:     httputil.DefaultRetryConfig(),
		CacheTTL:  cfg.FetchCacheTTL.Duration,
	})
	if err != nil {
		return nil, nil, err
	}
	reach, err := platform.NewReachability(serverURL, 5*time.Second)
	if err != nil {
		fetcher.Close()
		return nil, nil, err
	}
	chk, err := checker.New(checker.Options{
		Fetcher:        fetcher,
		Updates:        ctrl,
		Prefs:          kv,
		Network:        reach,
		BuildTimestamp: buildTimestamp,
	})
	if err != nil {
		fetcher.Close()
		return nil, nil, fmt.Errorf("failed to create update checker: %w", err)
	}
	chk.Start()
	return chk, func() {
		chk.Stop()
		fetcher.Close()
	}, nil
}
