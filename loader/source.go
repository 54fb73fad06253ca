package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// maxDocumentBytes bounds the size of a fetched feed document.
const maxDocumentBytes = 32 << 20

// ErrDocumentTooLarge is returned when the document is larger than the read limit.
var ErrDocumentTooLarge = errors.New("document exceeds size limit")

// HTTPStatusError indicates a non-success response from the document URL.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// HTTPSource fetches the document over HTTP.
type HTTPSource struct {
	client   *http.Client
	logger   *slog.Logger
	url      string
	attempts uint
	delay    time.Duration
	maxBytes int64
}

// NewHTTPSource creates an HTTP source for url.
func NewHTTPSource(client *http.Client, url string, logger *slog.Logger) *HTTPSource {
	return &HTTPSource{
		client:   client,
		logger:   logger,
		url:      url,
		attempts: 3,
		delay:    time.Second,
		maxBytes: maxDocumentBytes,
	}
}

func (s *HTTPSource) String() string {
	return s.url
}

// Fetch performs a GET of the document. Transport errors and 5xx responses
// are retried; any other non-200 status fails immediately.
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("HTTP request failed", "url", s.url, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", s.url,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				statusErr := &HTTPStatusError{URL: s.url, StatusCode: resp.StatusCode}
				if resp.StatusCode >= 500 {
					return statusErr
				}
				return retry.Unrecoverable(statusErr)
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if int64(len(data)) > s.maxBytes {
				return retry.Unrecoverable(fmt.Errorf("%w: %s exceeds %d bytes", ErrDocumentTooLarge, s.url, s.maxBytes))
			}
			body = data
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying feed fetch after error", "attempt", n, "url", s.url, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// ObjectGetter is the subset of storage.Store used by ObjectSource.
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObjectSource reads the document from object storage.
type ObjectSource struct {
	store ObjectGetter
	key   string
	name  string
}

// NewObjectSource reads key from store. name is used in logs and errors.
func NewObjectSource(store ObjectGetter, key, name string) *ObjectSource {
	return &ObjectSource{store: store, key: key, name: name}
}

func (s *ObjectSource) String() string {
	return s.name
}

// Fetch reads the object.
func (s *ObjectSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.key, err)
	}
	return data, nil
}

// Location is a parsed feed document location.
type Location struct {
	Kind   string // "http", "gs" or "file"
	URL    string // Set for http
	Bucket string // Set for gs
	Dir    string // Set for file
	Key    string // Object name for gs and file
}

// ParseLocation classifies a document location: http(s) URLs, gs://bucket/key
// objects, or local file paths.
func ParseLocation(loc string) (Location, error) {
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return Location{Kind: "http", URL: loc}, nil
	case strings.HasPrefix(loc, "gs://"):
		rest := strings.TrimPrefix(loc, "gs://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("invalid Cloud Storage location %q", loc)
		}
		return Location{Kind: "gs", Bucket: bucket, Key: key}, nil
	case loc == "":
		return Location{}, errors.New("empty feed location")
	default:
		return Location{Kind: "file", Dir: filepath.Dir(loc), Key: filepath.Base(loc)}, nil
	}
}
