package clinicauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/clinicportal/clinicauth/session"
	"go.uber.org/zap"
)

// Establisher is the single writer of session state. Every entry path
// (login, registration, two-factor, federated) ends in Establish.
type Establisher struct {
	store    *session.Store
	identity *Identity
	routes   RoutesConfig
	logger   *zap.Logger
}

func newEstablisher(store *session.Store, routes RoutesConfig, logger *zap.Logger) *Establisher {
	return &Establisher{
		store:    store,
		identity: &Identity{},
		routes:   routes,
		logger:   logger,
	}
}

// Identity returns the shared in-memory session reference.
func (e *Establisher) Identity() *Identity {
	return e.identity
}

// DestinationFor maps a role to its home route. The mapping is total: the
// patient role goes to the patient home, every other value to the
// administrative home.
func DestinationFor(role string, routes RoutesConfig) Destination {
	if role == routes.PatientRole {
		return routes.PatientHome
	}
	return routes.AdminHome
}

// Establish persists token and user to both stores, then publishes the new
// identity, then returns the destination for the user's role. When either
// store rejects the write nothing is published and the error wraps
// ErrSessionPersist.
func (e *Establisher) Establish(ctx context.Context, token string, user User) (Destination, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrSessionPersist)
	}
	encoded, err := json.Marshal(toWireUser(user))
	if err != nil {
		return "", fmt.Errorf("%w: encode user: %v", ErrSessionPersist, err)
	}

	if err := e.store.Save(ctx, session.Record{Token: token, User: encoded}); err != nil {
		e.logger.Error("session persist failed", zap.String("role", user.Role), zap.Error(err))
		return "", errors.Join(ErrSessionPersist, err)
	}

	e.identity.set(&Session{Token: token, User: user})
	dest := DestinationFor(user.Role, e.routes)
	e.logger.Info("session established",
		zap.String("user_id", user.ID),
		zap.String("role", user.Role),
		zap.String("destination", string(dest)),
	)
	return dest, nil
}

// Teardown clears both stores and the identity. The identity is cleared even
// when a store fails; calling Teardown without a session is a no-op.
func (e *Establisher) Teardown(ctx context.Context) error {
	_, had := e.identity.Current()
	err := e.store.Clear(ctx)
	e.identity.set(nil)
	if err != nil {
		e.logger.Warn("session clear incomplete", zap.Error(err))
		return errors.Join(ErrSessionClear, err)
	}
	if had {
		e.logger.Info("session cleared")
	}
	return nil
}

// Restore loads a previously persisted session. A consistent pair becomes the
// live identity. Mismatched stores are cleared by the session package and
// reported as no session.
func (e *Establisher) Restore(ctx context.Context) (*Session, Destination, error) {
	rec, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil, "", nil
	case errors.Is(err, session.ErrInconsistent):
		e.logger.Warn("discarded inconsistent persisted session", zap.Error(err))
		e.identity.set(nil)
		return nil, "", nil
	case err != nil:
		return nil, "", err
	}

	var wire authapi.User
	if err := json.Unmarshal(rec.User, &wire); err != nil {
		e.logger.Warn("discarded undecodable persisted user", zap.Error(err))
		if cerr := e.store.Clear(ctx); cerr != nil {
			return nil, "", errors.Join(ErrSessionClear, cerr)
		}
		return nil, "", nil
	}

	s := &Session{Token: rec.Token, User: fromWireUser(&wire)}
	e.identity.set(s)
	return s, DestinationFor(s.User.Role, e.routes), nil
}

func toWireUser(u User) authapi.User {
	return authapi.User{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		Phone:     u.Phone,
		Extra:     u.Extra,
	}
}

func fromWireUser(u *authapi.User) User {
	if u == nil {
		return User{}
	}
	return User{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		Phone:     u.Phone,
		Extra:     u.Extra,
	}
}
