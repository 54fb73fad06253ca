// Package feed contains the core domain types for the feedwall service.
package feed

import (
	"sort"
	"time"
)

// UnknownGroupName is shown for posts whose group id matches no declared group.
const UnknownGroupName = "Unknown Group"

// Group is a named bucket of accounts declared by the feed document.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Post is a single embedded social-media post.
type Post struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	GroupID    string `json:"group_id"`
	OrderID    string `json:"order_id"`
	DatePosted string `json:"date_posted,omitempty"` // YYYY-MM-DD, optional
	GroupName  string `json:"group_name"`            // Resolved at load time
}

// Feed is the loaded, normalized application state. It is built once and
// never mutated afterwards.
type Feed struct {
	LoadedAt time.Time
	Source   string   // Where the document was fetched from
	Posts    []Post   // Sorted per the feed ordering
	Groups   []Group  // Declaration order
	Accounts []string // Distinct usernames, ascending
}

// Theme is the display theme preference.
type Theme string

// Themes.
const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// ParseTheme maps a stored value to a theme. Only the exact string "light"
// selects the light theme.
func ParseTheme(s string) Theme {
	if s == string(ThemeLight) {
		return ThemeLight
	}
	return ThemeDark
}

// Set is a set of string identifiers (group ids or usernames).
type Set map[string]struct{}

// NewSet builds a set from the given values.
func NewSet(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether v is a member of s. A nil set has no members.
func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Sorted returns the members in ascending order. The result is never nil.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Preferences is a snapshot of every persisted preference.
type Preferences struct {
	Theme           Theme
	HiddenGroups    Set
	HiddenAccounts  Set
	SelectedAccount string
	HasSelection    bool // False when no exclusive account filter is active
}

// AccountMode selects how account controls filter the feed.
type AccountMode string

// Account modes. Exclusive is the default; Hidden is the older multi-select
// variant and is never mixed with Exclusive.
const (
	AccountModeExclusive AccountMode = "exclusive"
	AccountModeHidden    AccountMode = "hidden"
)

// IntentKind identifies a user action.
type IntentKind string

// Intent kinds.
const (
	IntentToggleGroup         IntentKind = "toggle-group"
	IntentSelectAccount       IntentKind = "select-account"
	IntentToggleHiddenAccount IntentKind = "toggle-account"
	IntentSetTheme            IntentKind = "theme"
	IntentClearFilters        IntentKind = "clear"
	IntentReset               IntentKind = "reset"
)

// Intent is a discrete user action applied to the preference store.
type Intent struct {
	Kind  IntentKind
	Value string
}

// ToggleGroup hides the group if visible, shows it if hidden.
func ToggleGroup(id string) Intent { return Intent{Kind: IntentToggleGroup, Value: id} }

// SelectAccount selects the account exclusively, or clears the selection when
// it is already selected.
func SelectAccount(username string) Intent {
	return Intent{Kind: IntentSelectAccount, Value: username}
}

// ToggleHiddenAccount flips an account in the hidden-accounts set.
func ToggleHiddenAccount(username string) Intent {
	return Intent{Kind: IntentToggleHiddenAccount, Value: username}
}

// SetTheme persists the theme.
func SetTheme(t Theme) Intent { return Intent{Kind: IntentSetTheme, Value: string(t)} }

// ClearFilters removes every filter preference but keeps the theme.
func ClearFilters() Intent { return Intent{Kind: IntentClearFilters} }

// Reset removes every stored preference, theme included.
func Reset() Intent { return Intent{Kind: IntentReset} }
