package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"feedwall/config"
	"feedwall/loader"
	"feedwall/pkg/feed"
	"feedwall/prefs"
	"feedwall/storage"
)

// app holds the process-wide dependencies shared by commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	client *gcs.Client // Created on first use
}

func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return &app{cfg: cfg, logger: logger}, nil
}

// Close releases the Cloud Storage client if one was created.
func (a *app) Close() error {
	if a.client == nil {
		return nil
	}
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

func (a *app) storageClient(ctx context.Context) (*gcs.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	a.client = client
	return client, nil
}

// profileStore returns the store holding preference profiles: the configured
// bucket, or the local directory in development.
func (a *app) profileStore(ctx context.Context) (*storage.Store, error) {
	if a.cfg.StorageBucket == "" {
		if err := os.MkdirAll(a.cfg.LocalStorage, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		a.logger.Debug("Using local storage", "storage_path", a.cfg.LocalStorage)
		return storage.New(nil, "", a.cfg.LocalStorage, a.logger), nil
	}
	client, err := a.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	return storage.New(client, a.cfg.StorageBucket, "", a.logger), nil
}

// profiles lists stored profile ids.
func (a *app) profiles(ctx context.Context) ([]string, error) {
	store, err := a.profileStore(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := store.List(ctx, prefs.ProfilePrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, prefs.ProfilePrefix), ".json")
		if _, err := prefs.ParseProfile(id); err != nil {
			a.logger.Debug("Skipping unrelated object", "key", key)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// deleteProfile removes a stored profile. Deleting a missing profile is not
// an error.
func (a *app) deleteProfile(ctx context.Context, profile string) error {
	id, err := prefs.ParseProfile(profile)
	if err != nil {
		return err
	}
	store, err := a.profileStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, prefs.ProfileKey(id)); err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	a.logger.Info("Profile deleted", "profile", id)
	return nil
}

// source builds the feed document source from the configured location.
func (a *app) source(ctx context.Context) (loader.Source, error) {
	loc, err := loader.ParseLocation(a.cfg.FeedSource)
	if err != nil {
		return nil, err
	}
	switch loc.Kind {
	case "http":
		return loader.NewHTTPSource(&http.Client{Timeout: 30 * time.Second}, loc.URL, a.logger), nil
	case "gs":
		client, err := a.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		store := storage.New(client, loc.Bucket, "", a.logger)
		return loader.NewObjectSource(store, loc.Key, a.cfg.FeedSource), nil
	default:
		store := storage.New(nil, "", loc.Dir, a.logger)
		return loader.NewObjectSource(store, loc.Key, a.cfg.FeedSource), nil
	}
}

// loadFeed performs the single load attempt. A failure is logged and yields a
// nil feed, which renders as the error surface.
func (a *app) loadFeed(ctx context.Context) *feed.Feed {
	src, err := a.source(ctx)
	if err == nil {
		var f *feed.Feed
		f, err = loader.New(src, a.cfg.LegacyOrderDigits, a.logger).Load(ctx)
		if err == nil {
			return f
		}
	}
	a.logger.Error("Feed data unavailable", "source", a.cfg.FeedSource, "error", err)
	return nil
}
