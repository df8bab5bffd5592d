package cmd

import (
	"context"
	"fmt"
	"time"

	"shelfstream/catalog"
	"shelfstream/config"
	"shelfstream/downloads"
	"shelfstream/events"
	"shelfstream/localstate"
	"shelfstream/logger"
	"shelfstream/model"
	"shelfstream/storage"
	"shelfstream/transfer"
)

// app holds the wired client core shared by all commands.
type app struct {
	cfg     *config.Config
	state   *localstate.Store
	objects *storage.Client
	catalog *catalog.Client
	bus     *events.Bus
	manager *downloads.Manager
}

func newApp() (*app, error) {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.InfoLevel,
		OutputPath: cfg.LogPath,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     14,
		Compress:   true,
	})

	state, err := localstate.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	objects, err := storage.NewClient(cfg)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to connect to object store: %w", err)
	}

	cat := catalog.NewClient(cfg, objects)
	bus := events.NewBus()

	manager, err := downloads.NewManager(cfg.CacheDir, state, cat, transfer.NewDownloader(), bus)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to initialize download manager: %w", err)
	}

	return &app{
		cfg:     cfg,
		state:   state,
		objects: objects,
		catalog: cat,
		bus:     bus,
		manager: manager,
	}, nil
}

func (a *app) close() {
	a.manager.StopWatcher()
	if err := a.state.Close(); err != nil {
		logger.Warn("failed to close device store", logger.ErrorField(err))
	}
}

// cacheAwareResolver answers stream-URL resolution from the local cache
// when the object is already downloaded, and otherwise defers to the
// catalog. Progress operations pass straight through.
type cacheAwareResolver struct {
	*catalog.Client
	manager *downloads.Manager
}

func (r *cacheAwareResolver) ResolveStreamingURL(ctx context.Context, obj model.AudioObject) (string, time.Time, error) {
	if path, ok := r.manager.LocalPath(obj.ID); ok {
		return path, time.Time{}, nil
	}
	return r.Client.ResolveStreamingURL(ctx, obj)
}
