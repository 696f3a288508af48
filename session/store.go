package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// KeyToken is the cookie name and resident key holding the session token.
	KeyToken = "authToken"
	// KeyUser is the cookie name and resident key holding the serialized user.
	KeyUser = "user"

	// DefaultTTL is the cookie lifetime of an established session.
	DefaultTTL = 7 * 24 * time.Hour
)

var (
	// ErrNotFound is returned by Load when neither store holds a session.
	ErrNotFound = errors.New("session not found")
	// ErrInconsistent is returned by Load when the stores disagreed; both were cleared.
	ErrInconsistent = errors.New("session stores inconsistent")
	// ErrPersist is returned by Save when either store rejected the write.
	ErrPersist = errors.New("session persist failed")
	// ErrClear is returned by Clear when a store failed to delete its entries.
	ErrClear = errors.New("session clear failed")
)

// Record is one persisted session. User is the serialized user document.
type Record struct {
	Token string
	User  []byte
}

// CookieStore is the network-visible half of the session.
type CookieStore interface {
	SetCookie(ctx context.Context, name, value string, ttl time.Duration) error
	Cookie(ctx context.Context, name string) (string, bool, error)
	DeleteCookie(ctx context.Context, name string) error
}

// ResidentStore is the key/value half of the session. SetValues must be
// all-or-nothing for the given keys.
type ResidentStore interface {
	SetValues(ctx context.Context, values map[string]string, ttl time.Duration) error
	Values(ctx context.Context, keys ...string) (map[string]string, error)
	DeleteValues(ctx context.Context, keys ...string) error
}

// Store keeps a CookieStore and a ResidentStore in lockstep.
type Store struct {
	cookies  CookieStore
	resident ResidentStore
	ttl      time.Duration
}

// NewStore builds a dual store. ttl <= 0 selects DefaultTTL.
func NewStore(cookies CookieStore, resident ResidentStore, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cookies:  cookies,
		resident: resident,
		ttl:      ttl,
	}
}

// TTL reports the cookie lifetime applied by Save.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Save writes rec to both stores. On any failure the cookies are rolled back
// and the returned error wraps ErrPersist together with rollback failures.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.Token == "" {
		return fmt.Errorf("%w: empty token", ErrPersist)
	}
	user := string(rec.User)

	if err := s.cookies.SetCookie(ctx, KeyToken, rec.Token, s.ttl); err != nil {
		return s.rollback(ctx, fmt.Errorf("%w: cookie %s: %v", ErrPersist, KeyToken, err))
	}
	if err := s.cookies.SetCookie(ctx, KeyUser, user, s.ttl); err != nil {
		return s.rollback(ctx, fmt.Errorf("%w: cookie %s: %v", ErrPersist, KeyUser, err))
	}

	values := map[string]string{
		KeyToken: rec.Token,
		KeyUser:  user,
	}
	if err := s.resident.SetValues(ctx, values, s.ttl); err != nil {
		return s.rollback(ctx, fmt.Errorf("%w: resident store: %v", ErrPersist, err))
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, cause error) error {
	errs := []error{cause}
	for _, name := range []string{KeyToken, KeyUser} {
		if err := s.cookies.DeleteCookie(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("rollback cookie %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Load returns the persisted session when both stores hold the identical
// record. Any other non-empty state is cleared and reported as ErrInconsistent.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	cookieToken, hasCookieToken, err := s.cookies.Cookie(ctx, KeyToken)
	if err != nil {
		return nil, fmt.Errorf("load cookie %s: %w", KeyToken, err)
	}
	cookieUser, hasCookieUser, err := s.cookies.Cookie(ctx, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("load cookie %s: %w", KeyUser, err)
	}
	values, err := s.resident.Values(ctx, KeyToken, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("load resident store: %w", err)
	}
	residentToken, hasResidentToken := values[KeyToken]
	residentUser, hasResidentUser := values[KeyUser]

	if !hasCookieToken && !hasCookieUser && !hasResidentToken && !hasResidentUser {
		return nil, ErrNotFound
	}

	consistent := hasCookieToken && hasCookieUser && hasResidentToken && hasResidentUser &&
		cookieToken != "" &&
		cookieToken == residentToken &&
		cookieUser == residentUser
	if !consistent {
		if err := s.Clear(ctx); err != nil {
			return nil, errors.Join(ErrInconsistent, err)
		}
		return nil, ErrInconsistent
	}

	return &Record{Token: cookieToken, User: []byte(cookieUser)}, nil
}

// Clear removes the session from both stores. Deleting entries that do not
// exist is not an error, so repeated calls are no-ops.
func (s *Store) Clear(ctx context.Context) error {
	var errs []error
	for _, name := range []string{KeyToken, KeyUser} {
		if err := s.cookies.DeleteCookie(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("cookie %s: %w", name, err))
		}
	}
	if err := s.resident.DeleteValues(ctx, KeyToken, KeyUser); err != nil {
		errs = append(errs, fmt.Errorf("resident store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrClear, errors.Join(errs...))
	}
	return nil
}
