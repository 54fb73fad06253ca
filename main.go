// Package main implements a service that shows a filterable feed of embedded
// social posts, plus a few maintenance commands for stored preferences.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"feedwall/config"
	"feedwall/prefs"
	"feedwall/render"
	"feedwall/server"
	"feedwall/view"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		a          *app
	)

	root := &cobra.Command{
		Use:           "feedwall",
		Short:         "Filterable feed of embedded social posts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			// The service logs to stdout; one-shot commands keep stdout for output.
			logOut := cmd.ErrOrStderr()
			if cmd.Name() == "serve" {
				logOut = cmd.OutOrStdout()
			}
			a, err = newApp(cfg, logOut)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a != nil {
				return a.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")

	current := func() *app { return a }
	root.AddCommand(
		newServeCmd(current),
		newRenderCmd(current),
		newApplyCmd(current),
		newProfilesCmd(current),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the feed once and serve it over HTTP",
		Long: `Load the feed once and serve it over HTTP.

Preference cookies are marked Secure unless the service runs in local
development mode. Browsers drop Secure cookies over plain HTTP, so set
SECURE_COOKIES=false when serving without TLS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			f := a.loadFeed(ctx)
			r, err := render.New()
			if err != nil {
				return err
			}

			cfg := &server.Config{
				View:          view.New(f, a.cfg.Mode(), a.logger),
				Renderer:      r,
				Logger:        a.logger,
				SecureCookies: a.cfg.SecureCookies,
			}
			if a.cfg.PrefsBackend == config.PrefsStorage {
				store, err := a.profileStore(ctx)
				if err != nil {
					return err
				}
				cfg.Profiles = store
			}

			srv := server.New(cfg)
			if err := srv.ListenAndServe(ctx, a.cfg.Port); err != nil {
				a.logger.Error("Server failed", "error", err)
				return err
			}
			return nil
		},
	}
}

func newRenderCmd(current func() *app) *cobra.Command {
	var profile, out string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the feed page once to a file or stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()

			p, err := a.prefsFor(ctx, profile, profile != "")
			if err != nil {
				return err
			}

			f := a.loadFeed(ctx)
			r, err := render.New()
			if err != nil {
				return err
			}
			page := view.New(f, a.cfg.Mode(), a.logger).Build(ctx, p)

			var buf bytes.Buffer
			if err := r.Page(&buf, page); err != nil {
				return err
			}

			if out == "" {
				_, err := io.Copy(cmd.OutOrStdout(), &buf)
				return err
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			a.logger.Info("Page rendered", "file", out, "posts", len(page.Posts), "unavailable", page.Unavailable)
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "stored preference profile to render with")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newApplyCmd(current func() *app) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "apply --profile ID <action> [value]",
		Short: "Apply one preference action to a stored profile",
		Long: `Apply one preference action to a stored profile.

Actions: toggle-group <id>, select-account <username>, toggle-account <username>,
theme <dark|light>, clear, reset`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()

			var value string
			if len(args) == 2 {
				value = args[1]
			}
			intent, err := view.ParseIntent(args[0], value)
			if err != nil {
				return err
			}

			p, err := a.prefsFor(ctx, profile, true)
			if err != nil {
				return err
			}
			if err := view.Apply(ctx, p, intent); err != nil {
				return fmt.Errorf("apply %s: %w", intent.Kind, err)
			}

			snap := p.Snapshot(ctx)
			selected := "-"
			if snap.HasSelection {
				selected = snap.SelectedAccount
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "theme=%s hidden_groups=%s hidden_accounts=%s selected=%s\n",
				snap.Theme,
				strings.Join(snap.HiddenGroups.Sorted(), ","),
				strings.Join(snap.HiddenAccounts.Sorted(), ","),
				selected)
			return err
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "preference profile id")
	if err := cmd.MarkFlagRequired("profile"); err != nil {
		panic(err)
	}
	return cmd
}

func newProfilesCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List stored preference profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ids, err := a.profiles(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored preference profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return current().deleteProfile(cmd.Context(), args[0])
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "feedwall %s\n", version)
		},
	}
}

// errNoProfile is returned when a command needs a profile id and none was given.
var errNoProfile = errors.New("a profile id is required")

// prefsFor returns the preference store for profile. Without a profile the
// defaults are used from memory.
func (a *app) prefsFor(ctx context.Context, profile string, required bool) (*prefs.Store, error) {
	if profile == "" {
		if required {
			return nil, errNoProfile
		}
		return prefs.New(prefs.NewMemoryKV(), a.logger), nil
	}
	id, err := prefs.ParseProfile(profile)
	if err != nil {
		return nil, err
	}
	store, err := a.profileStore(ctx)
	if err != nil {
		return nil, err
	}
	return prefs.New(prefs.NewObjectKV(store, id), a.logger), nil
}
