// Package prefs persists display and filter preferences.
//
// Reads never fail: missing or malformed values degrade to documented
// defaults and the problem is logged. Writes return errors from the backend.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"feedwall/pkg/feed"
)

// Preference keys.
const (
	KeyTheme           = "theme"
	KeyHiddenGroups    = "hiddenGroups"
	KeySelectedAccount = "selectedAccount"
	KeyHiddenAccounts  = "hiddenAccounts"
)

// Keys lists every key the store writes.
var Keys = []string{KeyTheme, KeyHiddenGroups, KeySelectedAccount, KeyHiddenAccounts}

// KV is a durable string key/value backend.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store reads and writes preferences through a KV backend.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// New creates a preference store over kv.
func New(kv KV, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// get reads key. Backend errors are logged here and returned so callers can
// tell a failed read from an absent value.
func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to read preference, using default", "key", key, "error", err)
		return "", false, err
	}
	return v, ok, nil
}

// Theme returns the stored theme. An absent value is replaced by an explicit
// dark theme so later reads see the same default.
func (s *Store) Theme(ctx context.Context) feed.Theme {
	v, ok, err := s.get(ctx, KeyTheme)
	if err != nil {
		return feed.ThemeDark
	}
	if !ok {
		if err := s.SetTheme(ctx, feed.ThemeDark); err != nil {
			s.logger.Warn("Failed to persist default theme", "error", err)
		}
		return feed.ThemeDark
	}
	return feed.ParseTheme(v)
}

// SetTheme persists the theme.
func (s *Store) SetTheme(ctx context.Context, t feed.Theme) error {
	if err := s.kv.Set(ctx, KeyTheme, string(feed.ParseTheme(string(t)))); err != nil {
		return fmt.Errorf("set theme: %w", err)
	}
	return nil
}

// HiddenGroups returns the set of hidden group ids.
func (s *Store) HiddenGroups(ctx context.Context) feed.Set {
	return s.decodeSet(ctx, KeyHiddenGroups)
}

// SetHiddenGroups persists the set of hidden group ids.
func (s *Store) SetHiddenGroups(ctx context.Context, groups feed.Set) error {
	return s.encodeSet(ctx, KeyHiddenGroups, groups)
}

// HiddenAccounts returns the set of hidden usernames (multi-select mode).
func (s *Store) HiddenAccounts(ctx context.Context) feed.Set {
	return s.decodeSet(ctx, KeyHiddenAccounts)
}

// SetHiddenAccounts persists the set of hidden usernames (multi-select mode).
func (s *Store) SetHiddenAccounts(ctx context.Context, accounts feed.Set) error {
	return s.encodeSet(ctx, KeyHiddenAccounts, accounts)
}

// SelectedAccount returns the exclusively selected account, if any.
func (s *Store) SelectedAccount(ctx context.Context) (string, bool) {
	v, ok, _ := s.get(ctx, KeySelectedAccount)
	return v, ok
}

// SetSelectedAccount persists the selection. When ok is false the key is
// removed, which is distinct from storing an empty username.
func (s *Store) SetSelectedAccount(ctx context.Context, username string, ok bool) error {
	if !ok {
		if err := s.kv.Delete(ctx, KeySelectedAccount); err != nil {
			return fmt.Errorf("clear selected account: %w", err)
		}
		return nil
	}
	if err := s.kv.Set(ctx, KeySelectedAccount, username); err != nil {
		return fmt.Errorf("set selected account: %w", err)
	}
	return nil
}

// Clear removes every stored preference.
func (s *Store) Clear(ctx context.Context) error {
	for _, key := range Keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}

// Snapshot reads every preference at once.
func (s *Store) Snapshot(ctx context.Context) feed.Preferences {
	selected, has := s.SelectedAccount(ctx)
	return feed.Preferences{
		Theme:           s.Theme(ctx),
		HiddenGroups:    s.HiddenGroups(ctx),
		HiddenAccounts:  s.HiddenAccounts(ctx),
		SelectedAccount: selected,
		HasSelection:    has,
	}
}

func (s *Store) decodeSet(ctx context.Context, key string) feed.Set {
	v, ok, _ := s.get(ctx, key)
	if !ok || v == "" {
		return feed.Set{}
	}
	var ids []string
	if err := json.Unmarshal([]byte(v), &ids); err != nil {
		s.logger.Warn("Stored preference is corrupt, using default", "key", key, "error", err)
		return feed.Set{}
	}
	return feed.NewSet(ids...)
}

func (s *Store) encodeSet(ctx context.Context, key string, set feed.Set) error {
	data, err := json.Marshal(set.Sorted())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
