// Package server wires configuration into a running phantomd daemon.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phantomvault/phantomd/internal/analytics"
	"github.com/phantomvault/phantomd/internal/backup"
	"github.com/phantomvault/phantomd/internal/control"
	"github.com/phantomvault/phantomd/internal/eraser"
	"github.com/phantomvault/phantomd/internal/logger"
	"github.com/phantomvault/phantomd/pkg/config"
	"github.com/phantomvault/phantomd/pkg/vault"
)

// PhantomServer owns the daemon lifecycle: the vault manager, the
// loopback control plane, the optional analytics store and backup
// uploader, and the relock sweeps that bracket every run.
//
// Lifecycle:
//  1. New() builds all components from configuration
//  2. Serve() sweeps stale temporary unlocks, then serves the control
//     plane until the context is cancelled
//  3. Shutdown sweeps again, so no plaintext outlives the daemon
//
// Serve() must only be called once per instance.
type PhantomServer struct {
	cfg     *config.Config
	manager *vault.Manager

	recorder analytics.Recorder
	events   *analytics.Store
	uploader *backup.Uploader
	control  *control.Server

	version string

	serveOnce sync.Once
}

// New builds a PhantomServer from validated configuration.
//
// The analytics store and backup uploader are only constructed when
// enabled. A backup target that cannot be reached fails startup rather
// than silently running without backups.
func New(ctx context.Context, cfg *config.Config, version string) (*PhantomServer, error) {
	e := eraser.New(cfg.Eraser.Passes, cfg.Eraser.BufferSize)

	manager, err := vault.NewManager(cfg.Vault.Root, cfg.Crypto.KDFIterations, e)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vault manager: %w", err)
	}

	s := &PhantomServer{
		cfg:      cfg,
		manager:  manager,
		recorder: analytics.Nop{},
		version:  version,
	}

	if cfg.Analytics.Enabled {
		events, err := analytics.Open(cfg.Analytics.Path, cfg.Analytics.RetentionDays)
		if err != nil {
			return nil, fmt.Errorf("failed to open analytics store: %w", err)
		}
		s.events = events
		s.recorder = events
		logger.Info("Analytics event log enabled at %s", cfg.Analytics.Path)
	}

	if cfg.Backup.Enabled {
		uploader, err := backup.NewUploader(ctx, backup.Config{
			Bucket:          cfg.Backup.Bucket,
			Region:          cfg.Backup.Region,
			Endpoint:        cfg.Backup.Endpoint,
			Prefix:          cfg.Backup.Prefix,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize backup uploader: %w", err)
		}
		s.uploader = uploader
		logger.Info("Ciphertext backup enabled to bucket %s", cfg.Backup.Bucket)
	}

	s.control = control.NewServer(control.ServerConfig{
		Host:      cfg.Control.Host,
		Port:      cfg.Control.Port,
		RateLimit: cfg.Control.RateLimit,
		RateBurst: cfg.Control.RateBurst,
		Workers:   cfg.Vault.Workers,
	}, control.Deps{
		Manager:        manager,
		Recorder:       s.recorder,
		Events:         s.events,
		OnFolderLocked: s.backupLockedFolder,
		Version:        version,
	})

	return s, nil
}

// Serve runs the daemon until the context is cancelled.
//
// Startup performs crash recovery before accepting commands: stale
// temporary unlocks are relocked and corrupted vault entries are cleaned
// up. Shutdown relocks again so temporary plaintext never survives the
// process.
func (s *PhantomServer) Serve(ctx context.Context) error {
	var err error
	called := false
	s.serveOnce.Do(func() {
		called = true
		err = s.serve(ctx)
	})
	if !called {
		panic("Serve() has already been called on this server instance")
	}
	return err
}

func (s *PhantomServer) serve(ctx context.Context) error {
	logger.Info("Starting phantomd %s (vault root: %s)", s.version, s.cfg.Vault.Root)

	s.recoverySweep(ctx)

	serveErr := s.control.Start(ctx)

	// Shutdown sweep runs on a fresh context: the serve context is
	// already cancelled by the time we get here.
	sweepCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.relockSweep(sweepCtx, "shutdown")

	if s.events != nil {
		if err := s.events.Close(); err != nil {
			logger.Warn("Failed to close analytics store: %v", err)
		}
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("phantomd stopped gracefully")
	return nil
}

// recoverySweep brings vault state back to a clean baseline after an
// unclean shutdown: leftover temporary plaintext is erased and partial
// lock attempts are rolled back or cleaned up.
func (s *PhantomServer) recoverySweep(ctx context.Context) {
	s.relockSweep(ctx, "startup")

	if err := s.manager.Maintenance(ctx); err != nil {
		logger.Warn("Startup maintenance pass failed: %v", err)
	}
}

func (s *PhantomServer) relockSweep(ctx context.Context, phase string) {
	relocked, err := s.manager.RelockAll(ctx)
	if err != nil {
		logger.Error("Relock sweep (%s) failed: %v", phase, err)
	}
	if relocked > 0 {
		logger.Info("Relock sweep (%s) secured %d folder(s)", phase, relocked)
		s.recorder.Record(analytics.Event{
			Type:   analytics.EventRelockSweep,
			Detail: fmt.Sprintf("%s sweep relocked %d folders", phase, relocked),
		})
	}
}

// backupLockedFolder uploads one locked folder's ciphertext and manifests.
// Runs outside the lock request path; failures are logged only.
func (s *PhantomServer) backupLockedFolder(profileID, token string) {
	if s.uploader == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	layout := vault.NewLayout(s.cfg.Vault.Root, profileID)

	if _, err := s.uploader.UploadDir(ctx, layout.FolderPath(token), profileID, "folders", token); err != nil {
		logger.Warn("Backup upload of folder %s failed: %v", token, err)
		return
	}
	if err := s.uploader.UploadFile(ctx, layout.FolderManifestPath(token), profileID, "metadata", token+".json"); err != nil {
		logger.Warn("Backup upload of folder manifest %s failed: %v", token, err)
		return
	}
	if err := s.uploader.UploadFile(ctx, layout.VaultManifestPath(), profileID, "vault_metadata"); err != nil {
		logger.Warn("Backup upload of vault manifest failed: %v", err)
		return
	}
	logger.Info("Backup upload complete for folder %s", token)
}

// Manager exposes the vault manager, mainly for tests.
func (s *PhantomServer) Manager() *vault.Manager {
	return s.manager
}
