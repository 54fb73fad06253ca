package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"feedwall/storage"
)

// MemoryKV keeps preferences in process memory.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryKV returns an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements KV.
func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// CookiePrefix is prepended to every preference cookie name.
const CookiePrefix = "feedwall_"

const cookieMaxAge = 365 * 24 * 60 * 60 // 1 year

// CookieKV stores preferences in browser cookies for a single request.
// Writes are sent as Set-Cookie headers and are visible to later reads in the
// same request.
type CookieKV struct {
	r       *http.Request
	w       http.ResponseWriter
	secure  bool
	pending map[string]*string // nil value marks a deletion
}

// NewCookieKV binds a cookie backend to one request/response pair.
func NewCookieKV(w http.ResponseWriter, r *http.Request, secure bool) *CookieKV {
	return &CookieKV{r: r, w: w, secure: secure, pending: make(map[string]*string)}
}

// Get implements KV.
func (c *CookieKV) Get(_ context.Context, key string) (string, bool, error) {
	if v, ok := c.pending[key]; ok {
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	cookie, err := c.r.Cookie(CookiePrefix + key)
	if err != nil {
		return "", false, nil
	}
	v, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		// Hand back the raw value; decoders fall back to defaults.
		return cookie.Value, true, nil
	}
	return v, true, nil
}

// Set implements KV.
func (c *CookieKV) Set(_ context.Context, key, value string) error {
	http.SetCookie(c.w, &http.Cookie{
		Name:     CookiePrefix + key,
		Value:    url.QueryEscape(value),
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.pending[key] = &value
	return nil
}

// Delete implements KV.
func (c *CookieKV) Delete(_ context.Context, key string) error {
	http.SetCookie(c.w, &http.Cookie{
		Name:     CookiePrefix + key,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.pending[key] = nil
	return nil
}

// ObjectStore is the subset of storage.Store used by ObjectKV.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// ProfilePrefix is the object-name prefix of stored preference profiles.
const ProfilePrefix = "prefs-"

// ProfileKey returns the object name holding a profile's preferences.
func ProfileKey(profile string) string {
	return ProfilePrefix + profile + ".json"
}

// NewProfile returns a fresh profile id.
func NewProfile() string {
	return uuid.NewString()
}

// ParseProfile validates a profile id and returns its canonical form.
func ParseProfile(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("invalid profile id: %w", err)
	}
	return u.String(), nil
}

var errCorruptProfile = errors.New("corrupt profile")

// profileLocks serializes read-modify-write cycles on the same profile object
// within this process. Profiles hash onto a fixed set of mutexes.
var profileLocks [64]sync.Mutex

func lockProfile(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &profileLocks[h.Sum32()%uint32(len(profileLocks))]
}

// ObjectKV stores one profile's preferences as a JSON object in storage.
type ObjectKV struct {
	store ObjectStore
	key   string
}

// NewObjectKV returns a backend for the named profile.
func NewObjectKV(store ObjectStore, profile string) *ObjectKV {
	return &ObjectKV{store: store, key: ProfileKey(profile)}
}

func (o *ObjectKV) load(ctx context.Context) (map[string]string, error) {
	data, err := o.store.Get(ctx, o.key)
	if err != nil {
		if storage.IsNotFound(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w: %w", errCorruptProfile, err)
	}
	return values, nil
}

// loadForWrite starts over from an empty profile when the stored one is corrupt.
func (o *ObjectKV) loadForWrite(ctx context.Context) (map[string]string, error) {
	values, err := o.load(ctx)
	if errors.Is(err, errCorruptProfile) {
		return map[string]string{}, nil
	}
	return values, err
}

func (o *ObjectKV) save(ctx context.Context, values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := o.store.Put(ctx, o.key, data); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Get implements KV.
func (o *ObjectKV) Get(ctx context.Context, key string) (string, bool, error) {
	values, err := o.load(ctx)
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set implements KV. A corrupt profile object is replaced.
func (o *ObjectKV) Set(ctx context.Context, key, value string) error {
	mu := lockProfile(o.key)
	mu.Lock()
	defer mu.Unlock()

	values, err := o.loadForWrite(ctx)
	if err != nil {
		return err
	}
	values[key] = value
	return o.save(ctx, values)
}

// Delete implements KV.
func (o *ObjectKV) Delete(ctx context.Context, key string) error {
	mu := lockProfile(o.key)
	mu.Lock()
	defer mu.Unlock()

	values, err := o.loadForWrite(ctx)
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return o.save(ctx, values)
}
