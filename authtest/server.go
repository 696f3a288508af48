package authtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	// DefaultCode is accepted for registration OTPs and two-factor codes.
	DefaultCode = "123456"
	// DefaultMaxAttempts is the number of wrong two-factor codes allowed.
	DefaultMaxAttempts = 3
	// GoogleAudience is the aud claim GoogleCredential issues.
	GoogleAudience = "clinic-portal"
	// GoogleIssuer is the iss claim GoogleCredential issues.
	GoogleIssuer = "https://accounts.google.com"

	mountPrefix = "/api"
)

// Account is a registered user.
type Account struct {
	Password string
	User     authapi.User
	// Methods enables two-factor for the account when non-empty.
	Methods []string
	// BackupCodes are consumed on first successful use.
	BackupCodes []string
}

// Call records one request the fake received.
type Call struct {
	Path      string
	RequestID string
	Body      map[string]any
	// Cookies holds the raw cookie values the client sent.
	Cookies map[string]string
}

type challenge struct {
	email        string
	attemptsLeft int
}

type hold struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

// Server is the fake Auth API. Configure it before the first request.
type Server struct {
	*httptest.Server

	// OTP is the registration code. TwoFactorCode is the sms/email code.
	OTP           string
	TwoFactorCode string
	MaxAttempts   int

	echo   *echo.Echo
	secret []byte

	mu          sync.Mutex
	accounts    map[string]*Account
	pending     map[string]authapi.SignupRequest
	challenges  map[string]*challenge
	usedBackup  map[string]bool
	throttle    time.Time
	failures    map[string]int
	holds       map[string]*hold
	calls       []Call
	signupCount map[string]int
}

// NewServer starts a fake and registers Close with t.Cleanup when t is
// non-nil.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		OTP:           DefaultCode,
		TwoFactorCode: DefaultCode,
		MaxAttempts:   DefaultMaxAttempts,
		echo:          echo.New(),
		secret:        []byte(uuid.NewString()),
		accounts:      make(map[string]*Account),
		pending:       make(map[string]authapi.SignupRequest),
		challenges:    make(map[string]*challenge),
		usedBackup:    make(map[string]bool),
		failures:      make(map[string]int),
		holds:         make(map[string]*hold),
		signupCount:   make(map[string]int),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.routes()
	s.Server = httptest.NewServer(s.echo)
	if t != nil {
		t.Cleanup(s.Close)
	}
	return s
}

// BaseURL is the Auth API root to configure clients with.
func (s *Server) BaseURL() string {
	return s.URL + mountPrefix
}

// AddAccount registers an account keyed by its email.
func (s *Server) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	if cp.User.ID == "" {
		cp.User.ID = uuid.NewString()
	}
	s.accounts[strings.ToLower(cp.User.Email)] = &cp
}

// ThrottleResend makes resends fail with 429 until the given instant.
func (s *Server) ThrottleResend(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttle = until
}

// FailNext makes the next request to path answer with status and an
// unstructured body.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

// Hold parks the next request to path. arrived is closed once the request
// reaches the fake; release lets it proceed and may be called repeatedly.
func (s *Server) Hold(path string) (arrived <-chan struct{}, release func()) {
	h := &hold{arrived: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[path] = h
	s.mu.Unlock()
	return h.arrived, func() { h.once.Do(func() { close(h.release) }) }
}

// Calls returns the requests received so far, optionally only those to path.
func (s *Server) Calls(path string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" {
		return slices.Clone(s.calls)
	}
	var out []Call
	for _, c := range s.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// SignupCount is the number of signup requests seen for email.
func (s *Server) SignupCount(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signupCount[strings.ToLower(email)]
}

// GoogleCredential signs an ID token for email the fake will accept.
func (s *Server) GoogleCredential(email string, exp time.Time) string {
	claims := jwt.MapClaims{
		"iss":   GoogleIssuer,
		"aud":   GoogleAudience,
		"sub":   uuid.NewString(),
		"email": email,
		"exp":   exp.Unix(),
		"iat":   exp.Add(-time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("authtest: sign credential: %v", err))
	}
	return signed
}

func (s *Server) routes() {
	g := s.echo.Group(mountPrefix, s.intercept)
	g.POST(authapi.PathLogin, s.login)
	g.POST(authapi.PathSignup, s.signup)
	g.POST(authapi.PathVerifyOTP, s.verifyOTP)
	g.POST(authapi.PathGoogle, s.google)
	g.POST(authapi.PathVerify2FA, s.verifyTwoFactor)
	g.POST(authapi.PathResend2FA, s.resendTwoFactor)
	g.POST(authapi.PathEmailFallback, s.emailFallback)
}

// intercept decodes and records the body, then applies FailNext and Hold.
// Handlers read the decoded body through bodyString.
func (s *Server) intercept(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := strings.TrimPrefix(c.Request().URL.Path, mountPrefix)

		var body map[string]any
		if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
			return c.JSON(http.StatusBadRequest, envelope{Message: "malformed body"})
		}
		c.Set("body", body)

		cookies := make(map[string]string)
		for _, ck := range c.Cookies() {
			cookies[ck.Name] = ck.Value
		}

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Path:      path,
			RequestID: c.Request().Header.Get(authapi.HeaderRequestID),
			Body:      body,
			Cookies:   cookies,
		})
		h := s.holds[path]
		delete(s.holds, path)
		status, fail := s.failures[path]
		delete(s.failures, path)
		s.mu.Unlock()

		if h != nil {
			close(h.arrived)
			select {
			case <-h.release:
			case <-c.Request().Context().Done():
				return c.Request().Context().Err()
			}
		}
		if fail {
			return c.String(status, "upstream unavailable")
		}
		return next(c)
	}
}

type envelope struct {
	Success      *bool  `json:"success,omitempty"`
	Message      string `json:"message,omitempty"`
	Code         string `json:"code,omitempty"`
	AttemptsLeft *int   `json:"attemptsLeft,omitempty"`
	CanResendAt  string `json:"canResendAt,omitempty"`
}

func failure(message string) envelope {
	f := false
	return envelope{Success: &f, Message: message}
}

func bodyString(c echo.Context, key string) string {
	body, _ := c.Get("body").(map[string]any)
	v, _ := body[key].(string)
	return v
}

func (s *Server) issueToken() string {
	return "tok-" + uuid.NewString()
}

func (s *Server) login(c echo.Context) error {
	email := strings.ToLower(bodyString(c, "email"))
	password := bodyString(c, "password")

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[email]
	if !ok || acct.Password != password {
		return c.JSON(http.StatusUnauthorized, envelope{Message: "Invalid credentials"})
	}
	if len(acct.Methods) == 0 {
		u := acct.User
		return c.JSON(http.StatusOK, authapi.LoginResponse{Token: s.issueToken(), User: &u})
	}

	temp := "tmp-" + uuid.NewString()
	s.challenges[temp] = &challenge{email: email, attemptsLeft: s.MaxAttempts}
	return c.JSON(http.StatusOK, authapi.LoginResponse{
		RequiresTwoFactor: true,
		TempToken:         temp,
		Phone:             maskPhone(acct.User.Phone),
		Email:             maskEmail(acct.User.Email),
		AvailableMethods:  slices.Clone(acct.Methods),
	})
}

func (s *Server) signup(c echo.Context) error {
	var req authapi.SignupRequest
	req.Email = strings.ToLower(bodyString(c, "email"))
	req.Password = bodyString(c, "password")
	req.FirstName = bodyString(c, "firstName")
	req.LastName = bodyString(c, "lastName")
	req.Role = bodyString(c, "role")
	req.Phone = bodyString(c, "phone")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.signupCount[req.Email]++
	if _, exists := s.accounts[req.Email]; exists {
		return c.JSON(http.StatusConflict, envelope{Message: "User already exists"})
	}
	s.pending[req.Email] = req
	return c.JSON(http.StatusCreated, authapi.SignupResponse{Message: "Verification code sent"})
}

func (s *Server) verifyOTP(c echo.Context) error {
	email := strings.ToLower(bodyString(c, "email"))

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[email]
	if !ok {
		return c.JSON(http.StatusBadRequest, envelope{Message: "No pending registration"})
	}
	if bodyString(c, "otp") != s.OTP {
		return c.JSON(http.StatusBadRequest, envelope{Message: "Invalid or expired code"})
	}
	delete(s.pending, email)

	acct := &Account{
		Password: req.Password,
		User: authapi.User{
			ID:        uuid.NewString(),
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Role:      req.Role,
			Phone:     req.Phone,
		},
	}
	s.accounts[email] = acct
	u := acct.User
	return c.JSON(http.StatusOK, authapi.VerifyOTPResponse{Token: s.issueToken(), User: &u})
}

func (s *Server) google(c echo.Context) error {
	raw := bodyString(c, "token")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(GoogleAudience))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, envelope{Message: "Invalid Google token"})
	}
	email, _ := claims["email"].(string)
	email = strings.ToLower(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[email]
	if !ok {
		acct = &Account{User: authapi.User{ID: uuid.NewString(), Email: email, Role: "patient"}}
		s.accounts[email] = acct
	}
	u := acct.User
	return c.JSON(http.StatusOK, authapi.GoogleResponse{Token: s.issueToken(), User: &u})
}

func (s *Server) verifyTwoFactor(c echo.Context) error {
	temp := bodyString(c, "tempToken")

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[temp]
	if !ok {
		return c.JSON(http.StatusUnauthorized, envelope{Message: "Session expired, please log in again", Code: "invalid_temp_token"})
	}
	acct := s.accounts[ch.email]

	accepted := false
	switch {
	case bodyString(c, "backupCode") != "":
		code := bodyString(c, "backupCode")
		if s.usedBackup[code] {
			return c.JSON(http.StatusBadRequest, envelope{Message: "Backup code has already been used", Code: "backup_code_used"})
		}
		if slices.Contains(acct.BackupCodes, code) {
			s.usedBackup[code] = true
			accepted = true
		}
	case bodyString(c, "smsCode") != "":
		accepted = bodyString(c, "smsCode") == s.TwoFactorCode
	case bodyString(c, "emailCode") != "":
		accepted = bodyString(c, "emailCode") == s.TwoFactorCode
	default:
		return c.JSON(http.StatusBadRequest, envelope{Message: "Code required"})
	}

	if !accepted {
		ch.attemptsLeft--
		left := ch.attemptsLeft
		resp := failure("Invalid verification code")
		resp.AttemptsLeft = &left
		if left <= 0 {
			delete(s.challenges, temp)
			resp.Message = "Too many attempts, please log in again"
			resp.Code = "challenge_expired"
		}
		return c.JSON(http.StatusBadRequest, resp)
	}

	delete(s.challenges, temp)
	u := acct.User
	return c.JSON(http.StatusOK, authapi.TwoFactorVerifyResponse{Success: true, Token: s.issueToken(), User: &u})
}

func (s *Server) resendTwoFactor(c echo.Context) error {
	temp := bodyString(c, "tempToken")
	method := bodyString(c, "method")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[temp]; !ok {
		return c.JSON(http.StatusUnauthorized, envelope{Message: "Session expired, please log in again", Code: "invalid_temp_token"})
	}
	if time.Now().Before(s.throttle) {
		resp := failure("Please wait before requesting another code")
		resp.CanResendAt = s.throttle.UTC().Format(time.RFC3339Nano)
		return c.JSON(http.StatusTooManyRequests, resp)
	}
	if method != "sms" && method != "email" {
		return c.JSON(http.StatusBadRequest, failure("Unsupported method"))
	}
	return c.JSON(http.StatusOK, authapi.TwoFactorResendResponse{Success: true, Method: method, Message: "Code sent"})
}

func (s *Server) emailFallback(c echo.Context) error {
	temp := bodyString(c, "tempToken")

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[temp]
	if !ok {
		return c.JSON(http.StatusUnauthorized, envelope{Message: "Session expired, please log in again", Code: "invalid_temp_token"})
	}
	return c.JSON(http.StatusOK, authapi.EmailFallbackResponse{
		Success: true,
		Message: "Code sent by email",
		Email:   maskEmail(s.accounts[ch.email].User.Email),
	})
}

func maskPhone(phone string) string {
	if len(phone) < 3 {
		return phone
	}
	return strings.Repeat("*", len(phone)-3) + phone[len(phone)-3:]
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at < 1 {
		return email
	}
	return email[:1] + "***" + email[at:]
}
