package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// MaxCookieSize is the largest encoded name=value pair a cookie may carry.
const MaxCookieSize = 4096

// ErrCookieTooLarge is returned when an encoded cookie exceeds MaxCookieSize.
var ErrCookieTooLarge = errors.New("cookie too large")

// JarCookieStore keeps session cookies in an http.CookieJar scoped to one
// origin. Sharing the jar with the Auth API http.Client makes the session
// cookies travel with every request.
//
// A store built with NewFileCookieStore also mirrors every cookie it writes
// to a JSON file, so the cookie half of a session survives a restart.
type JarCookieStore struct {
	jar    http.CookieJar
	origin *url.URL
	now    func() time.Time

	path  string
	mu    sync.Mutex
	saved map[string]fileCookie
}

type cookieFile struct {
	Origin  string                `json:"origin"`
	Cookies map[string]fileCookie `json:"cookies"`
}

type fileCookie struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires"`
}

// NewJarCookieStore creates a store for origin (the Auth API base URL). A nil
// jar gets a fresh cookiejar backed by the public suffix list.
func NewJarCookieStore(jar http.CookieJar, origin string) (*JarCookieStore, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse cookie origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("cookie origin %q must be absolute", origin)
	}
	if jar == nil {
		jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
	}
	return &JarCookieStore{
		jar:    jar,
		origin: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"},
		now:    time.Now,
	}, nil
}

// NewFileCookieStore is NewJarCookieStore backed by the cookie file at path.
// Unexpired cookies saved for the same origin are loaded into the jar; a
// missing file is an empty store. The file is created on first write.
func NewFileCookieStore(jar http.CookieJar, origin, path string) (*JarCookieStore, error) {
	if path == "" {
		return nil, errors.New("cookie file path is required")
	}
	s, err := NewJarCookieStore(jar, origin)
	if err != nil {
		return nil, err
	}
	s.path = path
	s.saved = make(map[string]fileCookie)

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	var f cookieFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode cookie file %s: %w", path, err)
	}
	if f.Origin != s.origin.String() {
		return s, nil
	}

	now := s.now()
	loaded := make([]*http.Cookie, 0, len(f.Cookies))
	for name, c := range f.Cookies {
		if !c.Expires.After(now) {
			continue
		}
		s.saved[name] = c
		loaded = append(loaded, s.cookie(name, c.Value, c.Expires))
	}
	if len(loaded) > 0 {
		s.jar.SetCookies(s.origin, loaded)
	}
	return s, nil
}

// Path returns the cookie file, or "" for a memory-only store.
func (s *JarCookieStore) Path() string {
	return s.path
}

// Jar returns the underlying jar for use as http.Client.Jar.
func (s *JarCookieStore) Jar() http.CookieJar {
	return s.jar
}

// SetCookie stores value, escaped so JSON payloads survive cookie syntax.
func (s *JarCookieStore) SetCookie(_ context.Context, name, value string, ttl time.Duration) error {
	encoded := url.QueryEscape(value)
	if len(name)+1+len(encoded) > MaxCookieSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrCookieTooLarge, name, len(name)+1+len(encoded))
	}
	expires := s.now().Add(ttl)
	s.jar.SetCookies(s.origin, []*http.Cookie{s.cookie(name, encoded, expires)})
	return s.persist(func(saved map[string]fileCookie) {
		saved[name] = fileCookie{Value: encoded, Expires: expires}
	})
}

func (s *JarCookieStore) cookie(name, encoded string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    encoded,
		Path:     "/",
		Expires:  expires,
		Secure:   s.origin.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	}
}

// Cookie returns the decoded value of name if the jar still holds it.
func (s *JarCookieStore) Cookie(_ context.Context, name string) (string, bool, error) {
	for _, c := range s.jar.Cookies(s.origin) {
		if c.Name != name {
			continue
		}
		value, err := url.QueryUnescape(c.Value)
		if err != nil {
			return "", false, fmt.Errorf("decode cookie %s: %w", name, err)
		}
		return value, true, nil
	}
	return "", false, nil
}

// DeleteCookie expires name. Missing cookies are ignored.
func (s *JarCookieStore) DeleteCookie(_ context.Context, name string) error {
	s.jar.SetCookies(s.origin, []*http.Cookie{{
		Name:   name,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
	return s.persist(func(saved map[string]fileCookie) {
		delete(saved, name)
	})
}

// persist applies mutate to the saved set and rewrites the cookie file
// through a temp file and rename. Memory-only stores skip it.
func (s *JarCookieStore) persist(mutate func(map[string]fileCookie)) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mutate(s.saved)
	data, err := json.Marshal(cookieFile{Origin: s.origin.String(), Cookies: s.saved})
	if err != nil {
		return fmt.Errorf("encode cookie file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cookies-*")
	if err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cookie file: %w", err)
	}
	return nil
}
