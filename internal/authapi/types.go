package authapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// User is the profile object embedded in authentication responses. Fields the
// orchestrator does not interpret are kept in Extra so they survive the
// round-trip through the session stores.
type User struct {
	ID        string                     `json:"id,omitempty"`
	Email     string                     `json:"email,omitempty"`
	FirstName string                     `json:"firstName,omitempty"`
	LastName  string                     `json:"lastName,omitempty"`
	Role      string                     `json:"role"`
	Phone     string                     `json:"phone,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

var knownUserFields = []string{"id", "email", "firstName", "lastName", "role", "phone"}

// UnmarshalJSON decodes the known fields and stashes everything else in Extra.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownUserFields {
		delete(all, k)
	}
	// Some deployments send "_id" instead of "id".
	if p.ID == "" {
		if raw, ok := all["_id"]; ok {
			var id string
			if json.Unmarshal(raw, &id) == nil {
				p.ID = id
			}
		}
	}
	if len(all) == 0 {
		all = nil
	}
	*u = User(p)
	u.Extra = all
	return nil
}

// MarshalJSON writes the known fields followed by Extra.
func (u User) MarshalJSON() ([]byte, error) {
	type plain User
	base, err := json.Marshal(plain(u))
	if err != nil {
		return nil, err
	}
	if len(u.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range u.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is either a completed login (Token, User) or a two-factor
// step-up (RequiresTwoFactor, TempToken, AvailableMethods).
type LoginResponse struct {
	Token             string   `json:"token,omitempty"`
	User              *User    `json:"user,omitempty"`
	RequiresTwoFactor bool     `json:"requiresTwoFactor,omitempty"`
	TempToken         string   `json:"tempToken,omitempty"`
	Phone             string   `json:"phone,omitempty"`
	Email             string   `json:"email,omitempty"`
	AvailableMethods  []string `json:"availableMethods,omitempty"`
}

type SignupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
	Phone     string `json:"phone,omitempty"`
}

type SignupResponse struct {
	Message string `json:"message,omitempty"`
}

type VerifyOTPRequest struct {
	Email     string `json:"email"`
	OTP       string `json:"otp"`
	Password  string `json:"password"`
	Purpose   string `json:"purpose"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

type VerifyOTPResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

type GoogleRequest struct {
	Token string `json:"token"`
}

type GoogleResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

// TwoFactorVerifyRequest carries exactly one of the code fields.
type TwoFactorVerifyRequest struct {
	TempToken  string `json:"tempToken"`
	SMSCode    string `json:"smsCode,omitempty"`
	EmailCode  string `json:"emailCode,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

type TwoFactorVerifyResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token,omitempty"`
	User         *User  `json:"user,omitempty"`
	Message      string `json:"message,omitempty"`
	AttemptsLeft *int   `json:"attemptsLeft,omitempty"`
}

type TwoFactorResendRequest struct {
	TempToken string `json:"tempToken"`
	Method    string `json:"method"`
}

type TwoFactorResendResponse struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message,omitempty"`
	Method      string     `json:"method,omitempty"`
	CanResendAt ResumeTime `json:"canResendAt,omitempty"`
}

type EmailFallbackRequest struct {
	TempToken string `json:"tempToken"`
}

type EmailFallbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Email   string `json:"email,omitempty"`
}

// ResumeTime decodes a server-supplied resume instant sent either as an
// RFC 3339 string or as epoch milliseconds. Any other value decodes to the
// zero time, leaving the rest of the response intact.
type ResumeTime struct {
	time.Time
}

func (r *ResumeTime) UnmarshalJSON(data []byte) error {
	r.Time = parseResumeTime(bytes.TrimSpace(data))
	return nil
}

func parseResumeTime(data []byte) time.Time {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return time.Time{}
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil || s == "" {
			return time.Time{}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func (r ResumeTime) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(r.UTC().Format(time.RFC3339Nano))
}
