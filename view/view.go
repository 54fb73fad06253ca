// Package view applies user intents and builds the page model.
package view

import (
	"context"
	"fmt"
	"log/slog"

	"feedwall/filter"
	"feedwall/pkg/feed"
	"feedwall/render"
)

// Prefs is the preference store used by the controller.
type Prefs interface {
	Snapshot(ctx context.Context) feed.Preferences
	SetTheme(ctx context.Context, t feed.Theme) error
	HiddenGroups(ctx context.Context) feed.Set
	SetHiddenGroups(ctx context.Context, groups feed.Set) error
	HiddenAccounts(ctx context.Context) feed.Set
	SetHiddenAccounts(ctx context.Context, accounts feed.Set) error
	SelectedAccount(ctx context.Context) (string, bool)
	SetSelectedAccount(ctx context.Context, username string, ok bool) error
	Clear(ctx context.Context) error
}

// Controller builds pages from the loaded feed. The feed is nil when the
// data document could not be loaded.
type Controller struct {
	feed   *feed.Feed
	mode   feed.AccountMode
	logger *slog.Logger
}

// New creates a controller over f.
func New(f *feed.Feed, mode feed.AccountMode, logger *slog.Logger) *Controller {
	if mode == "" {
		mode = feed.AccountModeExclusive
	}
	return &Controller{
		feed:   f,
		mode:   mode,
		logger: logger,
	}
}

// Loaded reports whether feed data is available.
func (c *Controller) Loaded() bool {
	return c.feed != nil
}

// Mode returns the account mode.
func (c *Controller) Mode() feed.AccountMode {
	return c.mode
}

// Total returns the number of loaded posts.
func (c *Controller) Total() int {
	if c.feed == nil {
		return 0
	}
	return len(c.feed.Posts)
}

// Visible returns the posts visible for the stored preferences, or nil when
// no data is loaded.
func (c *Controller) Visible(ctx context.Context, p Prefs) []feed.Post {
	if c.feed == nil {
		return nil
	}
	return filter.ForPreferences(c.feed.Posts, p.Snapshot(ctx), c.mode)
}

// Build produces the page model for the stored preferences.
func (c *Controller) Build(ctx context.Context, p Prefs) *render.Page {
	snap := p.Snapshot(ctx)
	page := &render.Page{
		Theme:       snap.Theme,
		AccountMode: c.mode,
	}
	if c.feed == nil {
		page.Unavailable = true
		return page
	}

	page.Total = len(c.feed.Posts)
	page.Posts = filter.ForPreferences(c.feed.Posts, snap, c.mode)

	page.Groups = make([]render.GroupControl, 0, len(c.feed.Groups))
	for _, g := range c.feed.Groups {
		page.Groups = append(page.Groups, render.GroupControl{
			ID:     g.ID,
			Name:   g.Name,
			Hidden: snap.HiddenGroups.Has(g.ID),
		})
	}

	page.Accounts = make([]render.AccountControl, 0, len(c.feed.Accounts))
	for _, a := range c.feed.Accounts {
		control := render.AccountControl{Username: a}
		if c.mode == feed.AccountModeHidden {
			control.Hidden = snap.HiddenAccounts.Has(a)
		} else {
			control.Selected = snap.HasSelection && snap.SelectedAccount == a
		}
		page.Accounts = append(page.Accounts, control)
	}

	c.logger.Debug("Page built",
		"theme", page.Theme,
		"visible", len(page.Posts),
		"total", page.Total,
		"hidden_groups", len(snap.HiddenGroups),
		"selected", snap.SelectedAccount)
	return page
}

// Apply is the single reducer: it writes the preference change an intent
// describes. Callers re-render unconditionally afterwards.
func Apply(ctx context.Context, p Prefs, in feed.Intent) error {
	switch in.Kind {
	case feed.IntentToggleGroup:
		return p.SetHiddenGroups(ctx, filter.Toggle(p.HiddenGroups(ctx), in.Value))

	case feed.IntentSelectAccount:
		current, has := p.SelectedAccount(ctx)
		next, ok := filter.ToggleSelection(current, has, in.Value)
		return p.SetSelectedAccount(ctx, next, ok)

	case feed.IntentToggleHiddenAccount:
		return p.SetHiddenAccounts(ctx, filter.Toggle(p.HiddenAccounts(ctx), in.Value))

	case feed.IntentSetTheme:
		if in.Value != string(feed.ThemeDark) && in.Value != string(feed.ThemeLight) {
			return fmt.Errorf("unknown theme %q", in.Value)
		}
		return p.SetTheme(ctx, feed.Theme(in.Value))

	case feed.IntentClearFilters:
		if err := p.SetHiddenGroups(ctx, feed.Set{}); err != nil {
			return err
		}
		if err := p.SetHiddenAccounts(ctx, feed.Set{}); err != nil {
			return err
		}
		return p.SetSelectedAccount(ctx, "", false)

	case feed.IntentReset:
		return p.Clear(ctx)

	default:
		return fmt.Errorf("unknown intent %q", in.Kind)
	}
}

// ParseIntent builds an intent from an action name and value as submitted by
// the page controls or the CLI.
func ParseIntent(action, value string) (feed.Intent, error) {
	switch feed.IntentKind(action) {
	case feed.IntentToggleGroup, feed.IntentSelectAccount, feed.IntentToggleHiddenAccount:
		return feed.Intent{Kind: feed.IntentKind(action), Value: value}, nil
	case feed.IntentSetTheme:
		if value != string(feed.ThemeDark) && value != string(feed.ThemeLight) {
			return feed.Intent{}, fmt.Errorf("unknown theme %q", value)
		}
		return feed.SetTheme(feed.Theme(value)), nil
	case feed.IntentClearFilters:
		return feed.ClearFilters(), nil
	case feed.IntentReset:
		return feed.Reset(), nil
	default:
		return feed.Intent{}, fmt.Errorf("unknown action %q", action)
	}
}
