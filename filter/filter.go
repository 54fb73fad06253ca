// Package filter computes the visible subset of a feed.
//
// Every function here is pure: inputs are never modified and the same
// arguments always produce the same result.
package filter

import "feedwall/pkg/feed"

// Visible returns the posts shown for the given preferences.
//
// When an account is selected the result is exactly that account's posts and
// hiddenGroups is ignored. Otherwise every post whose group is not hidden is
// kept. Input order is preserved and the result never aliases posts.
func Visible(posts []feed.Post, hiddenGroups feed.Set, selectedAccount string, hasSelection bool) []feed.Post {
	out := make([]feed.Post, 0, len(posts))
	for _, p := range posts {
		if hasSelection {
			if p.Username == selectedAccount {
				out = append(out, p)
			}
			continue
		}
		if !hiddenGroups.Has(p.GroupID) {
			out = append(out, p)
		}
	}
	return out
}

// VisibleHidden implements the multi-select account mode: a post is shown
// when neither its group nor its account is hidden.
func VisibleHidden(posts []feed.Post, hiddenGroups, hiddenAccounts feed.Set) []feed.Post {
	out := make([]feed.Post, 0, len(posts))
	for _, p := range posts {
		if hiddenGroups.Has(p.GroupID) || hiddenAccounts.Has(p.Username) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ForPreferences dispatches to the filter for the given account mode.
func ForPreferences(posts []feed.Post, p feed.Preferences, mode feed.AccountMode) []feed.Post {
	if mode == feed.AccountModeHidden {
		return VisibleHidden(posts, p.HiddenGroups, p.HiddenAccounts)
	}
	return Visible(posts, p.HiddenGroups, p.SelectedAccount, p.HasSelection)
}

// ToggleSelection returns the selection after clicking an account control.
// Clicking the selected account clears the selection; clicking any other
// account selects it alone.
func ToggleSelection(current string, hasCurrent bool, clicked string) (string, bool) {
	if hasCurrent && current == clicked {
		return "", false
	}
	return clicked, true
}

// Toggle returns a copy of s with id flipped.
func Toggle(s feed.Set, id string) feed.Set {
	out := make(feed.Set, len(s)+1)
	for v := range s {
		out[v] = struct{}{}
	}
	if s.Has(id) {
		delete(out, id)
	} else {
		out[id] = struct{}{}
	}
	return out
}
