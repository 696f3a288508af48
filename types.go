package clinicauth

import (
	"encoding/json"
	"strings"
	"sync"
)

// Channel is a two-factor delivery channel.
type Channel uint8

const (
	// ChannelSMS delivers a 6-digit code by text message.
	ChannelSMS Channel = iota
	// ChannelEmail delivers a 6-digit code by email.
	ChannelEmail
	// ChannelBackup accepts a pre-issued single-use backup code.
	ChannelBackup

	channelCount
)

var channelNames = [channelCount]string{"sms", "email", "backup"}

// String returns the wire name ("sms", "email", "backup").
func (c Channel) String() string {
	if c >= channelCount {
		return "unknown"
	}
	return channelNames[c]
}

// ParseChannel maps a wire name to a Channel.
func ParseChannel(name string) (Channel, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range channelNames {
		if n == name {
			return Channel(i), true
		}
	}
	return 0, false
}

// Resendable reports whether codes on c can be re-sent.
func (c Channel) Resendable() bool {
	return c == ChannelSMS || c == ChannelEmail
}

// ChannelSet is a set of channels stored as a bitmask.
type ChannelSet uint8

// NewChannelSet builds a set from channels.
func NewChannelSet(channels ...Channel) ChannelSet {
	var s ChannelSet
	for _, c := range channels {
		s = s.With(c)
	}
	return s
}

// ParseChannelSet maps wire names to a set, ignoring unknown names.
func ParseChannelSet(names []string) ChannelSet {
	var s ChannelSet
	for _, n := range names {
		if c, ok := ParseChannel(n); ok {
			s = s.With(c)
		}
	}
	return s
}

func (s ChannelSet) Has(c Channel) bool {
	return c < channelCount && s&(1<<c) != 0
}

func (s ChannelSet) With(c Channel) ChannelSet {
	if c >= channelCount {
		return s
	}
	return s | 1<<c
}

func (s ChannelSet) Empty() bool {
	return s == 0
}

// Channels lists members in sms, email, backup order.
func (s ChannelSet) Channels() []Channel {
	out := make([]Channel, 0, channelCount)
	for c := Channel(0); c < channelCount; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s ChannelSet) String() string {
	names := make([]string, 0, channelCount)
	for _, c := range s.Channels() {
		names = append(names, c.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// User is the authenticated profile. Role drives post-login routing; fields
// the portal does not interpret are carried in Extra and persisted as-is.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      string
	Phone     string
	Extra     map[string]json.RawMessage
}

// Session is an established authentication: the bearer token and its user.
type Session struct {
	Token string
	User  User
}

// Destination is the post-login route.
type Destination string

// LoginCredentials is the login form input.
type LoginCredentials struct {
	Email    string
	Password string
}

// Registration is the signup form input. Phone is optional.
type Registration struct {
	FirstName string
	LastName  string
	Email     string
	Password  string
	Phone     string
}

// RegistrationDraft is a signup awaiting email OTP confirmation. It lives in
// memory only; the password is retained privately so resend and verify can
// replay it.
type RegistrationDraft struct {
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	Role         string
	AttemptsMade int

	password string
}

// LoginOutcome is the result of a successful credential submission: either
// an established session with its destination, or a live two-factor
// challenge.
type LoginOutcome struct {
	Session     *Session
	Destination Destination
	Challenge   *Challenge
}

// RequiresTwoFactor reports whether the outcome is a challenge.
func (o *LoginOutcome) RequiresTwoFactor() bool {
	return o != nil && o.Challenge != nil
}

// Identity is the shared in-memory reference to the current session. Reads
// are safe from any goroutine; only [Establisher] writes it.
type Identity struct {
	mu      sync.RWMutex
	current *Session
}

// Current returns a copy of the live session, if any.
func (i *Identity) Current() (Session, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.current == nil {
		return Session{}, false
	}
	return *i.current, true
}

// Authenticated reports whether a session is live.
func (i *Identity) Authenticated() bool {
	_, ok := i.Current()
	return ok
}

func (i *Identity) set(s *Session) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s == nil {
		i.current = nil
		return
	}
	cp := *s
	i.current = &cp
}
