// Package loader fetches the feed document and normalizes it into a feed.Feed.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"feedwall/pkg/feed"
)

// DataUnavailableError indicates the feed document could not be fetched or
// parsed. No partial feed accompanies it.
type DataUnavailableError struct {
	Source string
	Err    error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("feed data unavailable from %s: %v", e.Source, e.Err)
}

func (e *DataUnavailableError) Unwrap() error {
	return e.Err
}

// IsDataUnavailable checks if an error is a DataUnavailableError.
func IsDataUnavailable(err error) bool {
	var unavailable *DataUnavailableError
	return errors.As(err, &unavailable)
}

// Source fetches the raw feed document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// Loader turns a Source into a normalized feed.
type Loader struct {
	source            Source
	logger            *slog.Logger
	legacyOrderDigits int
}

// New creates a loader. legacyOrderDigits is the number of leading digits of
// a legacy post id that encode its order (4 or 6).
func New(source Source, legacyOrderDigits int, logger *slog.Logger) *Loader {
	if legacyOrderDigits <= 0 {
		legacyOrderDigits = 4
	}
	return &Loader{
		source:            source,
		logger:            logger,
		legacyOrderDigits: legacyOrderDigits,
	}
}

// Load fetches the document once and returns the normalized feed.
func (l *Loader) Load(ctx context.Context) (*feed.Feed, error) {
	start := time.Now()
	l.logger.Info("Loading feed data", "source", l.source.String())

	data, err := l.source.Fetch(ctx)
	if err != nil {
		return nil, &DataUnavailableError{Source: l.source.String(), Err: err}
	}

	doc, err := decode(data, l.legacyOrderDigits)
	if err != nil {
		return nil, &DataUnavailableError{Source: l.source.String(), Err: err}
	}

	f := normalize(doc, l.logger)
	f.Source = l.source.String()
	f.LoadedAt = time.Now()

	l.logger.Info("Feed data loaded",
		"source", f.Source,
		"posts", len(f.Posts),
		"groups", len(f.Groups),
		"accounts", len(f.Accounts),
		"duration_ms", time.Since(start).Milliseconds())
	return f, nil
}

// document is the canonical decoded form of every accepted schema.
type document struct {
	Groups []feed.Group
	Posts  []feed.Post
}

type currentDocument struct {
	Groups []currentGroup `json:"groups"`
	Posts  *[]currentPost `json:"posts"`
}

type currentGroup struct {
	ID   flexString `json:"id"`
	Name string     `json:"name"`
}

type currentPost struct {
	URL        string     `json:"url"`
	Username   string     `json:"username"`
	GroupID    flexString `json:"group_id"`
	OrderID    flexString `json:"order_id"`
	DatePosted string     `json:"date_posted"`
}

type legacyPost struct {
	ID         flexString `json:"id"`
	URL        string     `json:"url"`
	Username   string     `json:"username"`
	DatePosted string     `json:"date_posted"`
}

// flexString accepts a JSON string or a bare number, keeping the literal
// text so zero padding survives.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n)
	return nil
}

// decode resolves the accepted input schemas: the current {groups, posts}
// object or the legacy flat array of posts with packed ids.
func decode(data []byte, legacyOrderDigits int) (*document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}

	switch trimmed[0] {
	case '{':
		var raw currentDocument
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		if raw.Posts == nil {
			return nil, errors.New("document has no posts member")
		}
		doc := &document{}
		for _, g := range raw.Groups {
			doc.Groups = append(doc.Groups, feed.Group{ID: string(g.ID), Name: g.Name})
		}
		for _, p := range *raw.Posts {
			doc.Posts = append(doc.Posts, feed.Post{
				URL:        p.URL,
				Username:   p.Username,
				GroupID:    string(p.GroupID),
				OrderID:    string(p.OrderID),
				DatePosted: p.DatePosted,
			})
		}
		return doc, nil

	case '[':
		var raw []legacyPost
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("parse legacy document: %w", err)
		}
		doc := &document{}
		for _, p := range raw {
			order, account := splitLegacyID(string(p.ID), legacyOrderDigits)
			username := p.Username
			if username == "" {
				username = account
			}
			doc.Posts = append(doc.Posts, feed.Post{
				URL:        p.URL,
				Username:   username,
				OrderID:    order,
				DatePosted: p.DatePosted,
			})
		}
		return doc, nil

	default:
		return nil, fmt.Errorf("unsupported document shape starting with %q", trimmed[0])
	}
}

// splitLegacyID splits a packed legacy id into its order prefix and account
// suffix. Ids no longer than the order width carry no account.
func splitLegacyID(id string, orderDigits int) (order, account string) {
	id = strings.TrimSpace(id)
	if len(id) <= orderDigits {
		return id, ""
	}
	return id[:orderDigits], id[orderDigits:]
}

func normalize(doc *document, logger *slog.Logger) *feed.Feed {
	names := make(map[string]string, len(doc.Groups))
	groups := make([]feed.Group, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		if _, dup := names[g.ID]; dup {
			logger.Warn("Duplicate group declaration ignored", "group_id", g.ID, "name", g.Name)
			continue
		}
		names[g.ID] = g.Name
		groups = append(groups, g)
	}

	posts := make([]feed.Post, 0, len(doc.Posts))
	seen := make(map[string]bool)
	var accounts []string
	for _, p := range doc.Posts {
		name, ok := names[p.GroupID]
		if !ok {
			logger.Debug("Post references unknown group", "group_id", p.GroupID, "url", p.URL)
			name = feed.UnknownGroupName
		}
		p.GroupName = name
		posts = append(posts, p)

		if !seen[p.Username] {
			seen[p.Username] = true
			accounts = append(accounts, p.Username)
		}
	}
	sort.Strings(accounts)
	SortPosts(posts)

	if accounts == nil {
		accounts = []string{}
	}
	return &feed.Feed{
		Posts:    posts,
		Groups:   groups,
		Accounts: accounts,
	}
}

// SortPosts orders posts in place: dated posts first, newest date first;
// ties and undated posts by ascending order id. The sort is stable.
func SortPosts(posts []feed.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return less(posts[i], posts[j])
	})
}

func less(a, b feed.Post) bool {
	aDated, bDated := a.DatePosted != "", b.DatePosted != ""
	switch {
	case aDated && bDated && a.DatePosted != b.DatePosted:
		return a.DatePosted > b.DatePosted
	case aDated != bDated:
		return aDated
	default:
		return a.OrderID < b.OrderID
	}
}
