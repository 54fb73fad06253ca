// Package server handles HTTP endpoints and request routing.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"feedwall/pkg/feed"
	"feedwall/prefs"
	"feedwall/render"
	"feedwall/view"
)

// profileCookie holds the preference profile id when preferences are kept in
// object storage.
const profileCookie = prefs.CookiePrefix + "profile"

// Server handles HTTP requests.
type Server struct {
	view          *view.Controller
	renderer      *render.Renderer
	profiles      prefs.ObjectStore
	limiter       *rateLimiter
	logger        *slog.Logger
	secureCookies bool
}

// Config holds server configuration.
type Config struct {
	View     *view.Controller
	Renderer *render.Renderer
	// Profiles, when set, keeps preferences in object storage keyed by a
	// profile cookie instead of in one cookie per preference.
	Profiles      prefs.ObjectStore
	Logger        *slog.Logger
	SecureCookies bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		view:          cfg.View,
		renderer:      cfg.Renderer,
		profiles:      cfg.Profiles,
		limiter:       newRateLimiter(120, time.Minute),
		logger:        cfg.Logger,
		secureCookies: cfg.SecureCookies,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/prefs", s.handlePrefs)
	mux.HandleFunc("/api/posts", s.handlePosts)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.FS(render.Media()))))
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy",
		"default-src 'self'; script-src 'self' https://www.instagram.com; "+
			"frame-src https://www.instagram.com; img-src 'self' data: https:; style-src 'self' 'unsafe-inline'")
}

// prefsFor binds a preference store to the request.
func (s *Server) prefsFor(w http.ResponseWriter, r *http.Request) *prefs.Store {
	if s.profiles == nil {
		return prefs.New(prefs.NewCookieKV(w, r, s.secureCookies), s.logger)
	}
	return prefs.New(prefs.NewObjectKV(s.profiles, s.profileID(w, r)), s.logger)
}

// profileID returns the request's profile id, issuing a new one when the
// cookie is missing or malformed.
func (s *Server) profileID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(profileCookie); err == nil {
		if id, err := prefs.ParseProfile(c.Value); err == nil {
			return id
		}
		s.logger.Warn("Ignoring malformed profile cookie", "ip", clientIP(r))
	}
	id := prefs.NewProfile()
	http.SetCookie(w, &http.Cookie{
		Name:     profileCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60, // 1 year
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	// Later lookups in this request see the new id.
	r.AddCookie(&http.Cookie{Name: profileCookie, Value: id})
	return id
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page := s.view.Build(r.Context(), s.prefsFor(w, r))

	var buf bytes.Buffer
	if err := s.renderer.Page(&buf, page); err != nil {
		s.logger.Error("Failed to render page", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	status := http.StatusOK
	if page.Unavailable {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("Failed to write page", "error", err)
	}
}

func (s *Server) handlePrefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	intent, err := view.ParseIntent(r.FormValue("action"), r.FormValue("value"))
	if err != nil {
		s.logger.Warn("Rejected preference action", "action", r.FormValue("action"), "error", err)
		http.Error(w, "Invalid action", http.StatusBadRequest)
		return
	}

	if err := view.Apply(r.Context(), s.prefsFor(w, r), intent); err != nil {
		s.logger.Error("Failed to apply preference action", "action", intent.Kind, "value", intent.Value, "error", err)
		http.Error(w, "Failed to save preference", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Preference action applied", "action", intent.Kind, "value", intent.Value)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// postsResponse is the JSON body of /api/posts.
type postsResponse struct {
	Posts []feed.Post `json:"posts"`
	Total int         `json:"total"`
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	if !s.view.Loaded() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if err := json.NewEncoder(w).Encode(map[string]string{"error": render.UnavailableMessage}); err != nil {
			s.logger.Warn("Failed to write response", "error", err)
		}
		return
	}

	posts := s.view.Visible(r.Context(), s.prefsFor(w, r))
	resp := postsResponse{Posts: posts, Total: s.view.Total()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := `{"status":"healthy"}`
	if !s.view.Loaded() {
		body = `{"status":"healthy","feed":"unavailable"}`
	}
	if _, err := fmt.Fprint(w, body); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}
