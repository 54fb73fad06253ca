// Package render draws the feed page.
package render

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"time"

	"feedwall/pkg/feed"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

//go:embed media/*
var mediaFS embed.FS

// EmbedDelay is how long the page waits after inserting post markup before
// asking the embed script to process it.
const EmbedDelay = 500 * time.Millisecond

// EmbedVersion is the embed-protocol version written on every post marker.
const EmbedVersion = "14"

// EmbedScriptURL is the external script that turns markers into embeds.
const EmbedScriptURL = "https://www.instagram.com/embed.js"

// Messages shown by the page.
const (
	EmptyMessage       = "No posts match the current filters."
	UnavailableMessage = "Unable to load posts. Please try again later."
	DateUnavailable    = "Date N/A"
)

// GroupControl is one group toggle.
type GroupControl struct {
	ID     string
	Name   string
	Hidden bool
}

// AccountControl is one account toggle.
type AccountControl struct {
	Username string
	Selected bool // Exclusive mode
	Hidden   bool // Multi-select mode
}

// Page is everything the page template needs.
type Page struct {
	Theme       feed.Theme
	AccountMode feed.AccountMode
	Groups      []GroupControl
	Accounts    []AccountControl
	Posts       []feed.Post
	Total       int  // Number of loaded posts before filtering
	Unavailable bool // Feed data could not be loaded
}

// Empty reports whether the feed loaded but no post is visible.
func (p *Page) Empty() bool {
	return !p.Unavailable && len(p.Posts) == 0
}

// Renderer executes the page templates.
type Renderer struct {
	templates *template.Template
}

// New parses the embedded templates.
func New() (*Renderer, error) {
	funcs := template.FuncMap{
		"displayDate": DisplayDate,
	}
	t, err := template.New("").Funcs(funcs).ParseFS(templateFS, "tmpl/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Renderer{templates: t}, nil
}

// Page writes the full HTML document.
func (r *Renderer) Page(w io.Writer, p *Page) error {
	data := struct {
		*Page
		EmbedVersion   string
		EmbedScriptURL string
		EmbedDelayMS   int64
		EmptyMessage   string
		ErrorMessage   string
		Exclusive      bool
	}{
		Page:           p,
		EmbedVersion:   EmbedVersion,
		EmbedScriptURL: EmbedScriptURL,
		EmbedDelayMS:   EmbedDelay.Milliseconds(),
		EmptyMessage:   EmptyMessage,
		ErrorMessage:   UnavailableMessage,
		Exclusive:      p.AccountMode != feed.AccountModeHidden,
	}
	if err := r.templates.ExecuteTemplate(w, "page.tmpl", data); err != nil {
		return fmt.Errorf("execute page template: %w", err)
	}
	return nil
}

// Media returns the static assets served under /media/.
func Media() fs.FS {
	sub, err := fs.Sub(mediaFS, "media")
	if err != nil {
		// The embedded directory always exists.
		panic(err)
	}
	return sub
}

// DisplayDate converts YYYY-MM-DD to MM/DD/YYYY. Anything else renders as
// DateUnavailable. It is used for presentation only.
func DisplayDate(s string) string {
	if len(s) != len("2006-01-02") {
		return DateUnavailable
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DateUnavailable
	}
	return t.Format("01/02/2006")
}
