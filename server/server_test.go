package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"

	"feedwall/pkg/feed"
	"feedwall/prefs"
	"feedwall/render"
	"feedwall/storage"
	"feedwall/view"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func scenarioFeed() *feed.Feed {
	return &feed.Feed{
		Groups: []feed.Group{{ID: "0", Name: "Photo"}, {ID: "1", Name: "Tech"}},
		Posts: []feed.Post{
			{URL: "https://www.instagram.com/p/u1/", Username: "alice", GroupID: "0", OrderID: "0001", GroupName: "Photo"},
			{URL: "https://www.instagram.com/p/u2/", Username: "bob", GroupID: "1", OrderID: "0002", GroupName: "Tech"},
		},
		Accounts: []string{"alice", "bob"},
	}
}

func newTestServer(t *testing.T, f *feed.Feed, profiles prefs.ObjectStore) *Server {
	t.Helper()
	r, err := render.New()
	if err != nil {
		t.Fatalf("render.New() error = %v", err)
	}
	return New(&Config{
		View:     view.New(f, feed.AccountModeExclusive, testLogger()),
		Renderer: r,
		Profiles: profiles,
		Logger:   testLogger(),
	})
}

// browser is an HTTP client that keeps cookies and follows redirects.
type browser struct {
	t      *testing.T
	client *http.Client
	base   string
}

func newBrowser(t *testing.T, s *Server) *browser {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &browser{t: t, client: &http.Client{Jar: jar}, base: ts.URL}
}

func (b *browser) page() (*goquery.Document, int) {
	b.t.Helper()
	resp, err := b.client.Get(b.base + "/")
	if err != nil {
		b.t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		b.t.Fatalf("parse page: %v", err)
	}
	return doc, resp.StatusCode
}

// act submits a preference form and returns the page it redirects to.
func (b *browser) act(action, value string) *goquery.Document {
	b.t.Helper()
	resp, err := b.client.PostForm(b.base+"/prefs", url.Values{"action": {action}, "value": {value}})
	if err != nil {
		b.t.Fatalf("POST /prefs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.t.Fatalf("POST /prefs %s=%s: status %d after redirect", action, value, resp.StatusCode)
	}
	if resp.Request.URL.Path != "/" || resp.Request.Method != http.MethodGet {
		b.t.Fatalf("redirected to %s %s, want GET /", resp.Request.Method, resp.Request.URL.Path)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		b.t.Fatalf("parse page: %v", err)
	}
	return doc
}

func permalinks(doc *goquery.Document) []string {
	out := []string{}
	doc.Find("blockquote.instagram-media").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("data-instgrm-permalink")
		out = append(out, v)
	})
	return out
}

func TestRootShowsAllPosts(t *testing.T) {
	b := newBrowser(t, newTestServer(t, scenarioFeed(), nil))

	doc, status := b.page()
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	want := []string{"https://www.instagram.com/p/u1/", "https://www.instagram.com/p/u2/"}
	if diff := cmp.Diff(want, permalinks(doc)); diff != "" {
		t.Errorf("posts mismatch (-want +got):\n%s", diff)
	}
	if !doc.Find("body").HasClass("theme-dark") {
		t.Error("first visit should use the dark theme")
	}
}

func TestPreferenceFlow(t *testing.T) {
	b := newBrowser(t, newTestServer(t, scenarioFeed(), nil))

	doc := b.act("toggle-group", "1")
	if diff := cmp.Diff([]string{"https://www.instagram.com/p/u1/"}, permalinks(doc)); diff != "" {
		t.Errorf("after hiding group 1 (-want +got):\n%s", diff)
	}

	// Selecting an account overrides group hiding.
	doc = b.act("select-account", "bob")
	if diff := cmp.Diff([]string{"https://www.instagram.com/p/u2/"}, permalinks(doc)); diff != "" {
		t.Errorf("after selecting bob (-want +got):\n%s", diff)
	}
	if !doc.Find(`button.account-control[data-username="bob"]`).HasClass("selected") {
		t.Error("bob control should be selected")
	}

	doc = b.act("select-account", "bob")
	if diff := cmp.Diff([]string{"https://www.instagram.com/p/u1/"}, permalinks(doc)); diff != "" {
		t.Errorf("after deselecting bob (-want +got):\n%s", diff)
	}

	doc = b.act("toggle-group", "0")
	if got := strings.TrimSpace(doc.Find(".empty-message").Text()); got != render.EmptyMessage {
		t.Errorf("empty message = %q, want %q", got, render.EmptyMessage)
	}

	doc = b.act("theme", "light")
	if !doc.Find("body").HasClass("theme-light") {
		t.Error("theme should switch to light")
	}

	doc = b.act("clear", "")
	if len(permalinks(doc)) != 2 {
		t.Errorf("clear should show every post, got %v", permalinks(doc))
	}
	if !doc.Find("body").HasClass("theme-light") {
		t.Error("clear must keep the theme")
	}
}

func TestPreferenceFlowWithProfiles(t *testing.T) {
	dir := t.TempDir()
	store := storage.New(nil, "", dir, testLogger())
	s := newTestServer(t, scenarioFeed(), store)
	b := newBrowser(t, s)

	b.act("toggle-group", "0")
	doc, _ := b.page()
	if diff := cmp.Diff([]string{"https://www.instagram.com/p/u2/"}, permalinks(doc)); diff != "" {
		t.Errorf("posts mismatch (-want +got):\n%s", diff)
	}

	keys, err := store.List(t.Context(), prefs.ProfilePrefix)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("stored profiles = %v, want exactly one", keys)
	}

	// A second browser gets its own profile.
	other := newBrowser(t, s)
	doc, _ = other.page()
	if len(permalinks(doc)) != 2 {
		t.Errorf("new profile should see every post, got %v", permalinks(doc))
	}
}

func TestRootUnavailable(t *testing.T) {
	b := newBrowser(t, newTestServer(t, nil, nil))

	doc, status := b.page()
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
	if got := strings.TrimSpace(doc.Find(".error-message").Text()); got != render.UnavailableMessage {
		t.Errorf("error message = %q", got)
	}
	if doc.Find(".empty-message").Length() != 0 {
		t.Error("unavailable page must not show the empty state")
	}
}

func TestRootUnknownPath(t *testing.T) {
	s := newTestServer(t, scenarioFeed(), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRootSecurityHeaders(t *testing.T) {
	s := newTestServer(t, scenarioFeed(), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "https://www.instagram.com") {
		t.Errorf("CSP must allow the embed script, got %q", csp)
	}
}

func TestPostsAPI(t *testing.T) {
	s := newTestServer(t, scenarioFeed(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/posts", http.NoBody)
	req.AddCookie(&http.Cookie{Name: prefs.CookiePrefix + prefs.KeyHiddenGroups, Value: url.QueryEscape(`["1"]`)})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got postsResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 2 || len(got.Posts) != 1 || got.Posts[0].Username != "alice" {
		t.Errorf("response = %+v, want alice only out of 2", got)
	}
}

func TestPostsAPIUnavailable(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/posts", http.NoBody))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), render.UnavailableMessage) {
		t.Errorf("body = %s", body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name string
		feed *feed.Feed
		want string
	}{
		{name: "loaded", feed: scenarioFeed(), want: `{"status":"healthy"}`},
		{name: "unavailable", feed: nil, want: `{"status":"healthy","feed":"unavailable"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.feed, nil)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
			if got := w.Body.String(); got != tt.want {
				t.Errorf("body = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPrefsRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		form   url.Values
		want   int
	}{
		{name: "get", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{name: "unknown action", method: http.MethodPost, form: url.Values{"action": {"drop-tables"}}, want: http.StatusBadRequest},
		{name: "bad theme", method: http.MethodPost, form: url.Values{"action": {"theme"}, "value": {"neon"}}, want: http.StatusBadRequest},
		{name: "missing action", method: http.MethodPost, form: url.Values{}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, scenarioFeed(), nil)
			req := httptest.NewRequest(tt.method, "/prefs", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestPrefsRateLimit(t *testing.T) {
	s := newTestServer(t, scenarioFeed(), nil)
	s.limiter = newRateLimiter(2, time.Minute)

	codes := []int{}
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/prefs", strings.NewReader("action=clear"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	want := []int{http.StatusSeeOther, http.StatusSeeOther, http.StatusTooManyRequests}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("status codes mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(1, 20*time.Millisecond)
	if !rl.allow("1.2.3.4") {
		t.Fatal("first request should be allowed")
	}
	if rl.allow("1.2.3.4") {
		t.Error("second request inside the window should be denied")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other clients have their own budget")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.allow("1.2.3.4") {
		t.Error("request after the window should be allowed")
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return clock }

	for i := range pruneThreshold {
		rl.allow(fmt.Sprintf("198.51.%d.%d", i/256, i%256))
	}
	if got := rl.size(); got != pruneThreshold {
		t.Fatalf("size() = %d, want %d", got, pruneThreshold)
	}

	clock = clock.Add(2 * time.Minute)
	if !rl.allow("203.0.113.1") {
		t.Fatal("new client should be allowed")
	}
	if got := rl.size(); got != 1 {
		t.Errorf("size() after the window = %d, want 1", got)
	}
}

func TestForgedForwardedForDoesNotGrowLimiter(t *testing.T) {
	s := newTestServer(t, scenarioFeed(), nil)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.limiter.now = func() time.Time { return clock }

	post := func(ip string) {
		req := httptest.NewRequest(http.MethodPost, "/prefs", strings.NewReader("action=clear"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", ip)
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}

	for i := range 5000 {
		post(fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256))
		if i%1000 == 999 {
			clock = clock.Add(2 * time.Minute)
		}
	}
	if got := s.limiter.size(); got > pruneThreshold {
		t.Errorf("limiter tracks %d clients, want at most %d", got, pruneThreshold)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "forwarded", xff: "203.0.113.7, 10.0.0.1", remoteAddr: "10.0.0.1:5555", want: "203.0.113.7"},
		{name: "no port", remoteAddr: "10.0.0.2", want: "10.0.0.2"},
		{name: "ipv6", remoteAddr: "[::1]:8080", want: "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMediaServed(t *testing.T) {
	s := newTestServer(t, scenarioFeed(), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/media/feed.js", http.NoBody))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Errorf("GET /media/feed.js status = %d, %d bytes", w.Code, w.Body.Len())
	}
}
