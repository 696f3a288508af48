package clinicauth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/clinicportal/clinicauth/session"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CooldownListener is told the remaining resend cooldown of a challenge on
// every tick. It runs on the ticker goroutine and must not block.
type CooldownListener func(challengeID string, remaining int)

// Builder assembles an Orchestrator.
//
// Builder instances are intended to be configured during initialization and
// then treated as immutable.
type Builder struct {
	config Config

	httpClient *http.Client
	redis      redis.UniversalClient
	resident   session.ResidentStore
	cookies    session.CookieStore

	logger     *zap.Logger
	auditSink  AuditSink
	clock      clockwork.Clock
	onCooldown CooldownListener

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithHTTPClient sets the client used for Auth API calls. When no cookie store
// is supplied and the client has no jar, Build attaches the session jar to a
// copy of it.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// WithRedis keeps the resident half of the session in Redis. Restoring a
// session in a new process also needs Config.Session.CookieFile or a durable
// WithCookieStore.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithResidentStore overrides the resident store. It takes precedence over
// WithRedis.
func (b *Builder) WithResidentStore(store session.ResidentStore) *Builder {
	b.resident = store
	return b
}

func (b *Builder) WithCookieStore(store session.CookieStore) *Builder {
	b.cookies = store
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock replaces the wall clock driving cooldowns and token expiry checks.
func (b *Builder) WithClock(clock clockwork.Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithCooldownListener(fn CooldownListener) *Builder {
	b.onCooldown = fn
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the orchestrator. A Builder
// can be built once.
func (b *Builder) Build() (*Orchestrator, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := cloneConfig(b.config)

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("clinicauth")

	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}

	cookies := b.cookies
	if cookies == nil {
		var (
			jarStore *session.JarCookieStore
			err      error
		)
		if cfg.Session.CookieFile != "" {
			jarStore, err = session.NewFileCookieStore(httpClient.Jar, cfg.API.BaseURL, cfg.Session.CookieFile)
		} else {
			jarStore, err = session.NewJarCookieStore(httpClient.Jar, cfg.API.BaseURL)
		}
		if err != nil {
			return nil, err
		}
		if httpClient.Jar == nil {
			cp := *httpClient
			cp.Jar = jarStore.Jar()
			httpClient = &cp
		}
		cookies = jarStore
	}

	resident := b.resident
	if resident == nil {
		if b.redis != nil {
			resident = session.NewRedisResidentStore(b.redis, cfg.Session.KeyPrefix)
		} else {
			resident = session.NewMemoryResidentStore()
		}
	}

	metrics := NewMetrics(cfg.Metrics)
	api, err := authapi.New(authapi.Config{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: httpClient,
		UserAgent:  cfg.API.UserAgent,
		Observer: func(path string, status int, elapsed time.Duration, err error) {
			metrics.Observe(MetricAPILatency, elapsed)
			logger.Debug("auth api call",
				zap.String("path", path),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed),
				zap.Bool("failed", err != nil),
			)
		},
	})
	if err != nil {
		return nil, err
	}

	auditSink := b.auditSink
	if auditSink == nil {
		auditSink = NoOpSink{}
	}

	store := session.NewStore(cookies, resident, cfg.Session.CookieTTL)
	b.built = true

	return &Orchestrator{
		config:      cfg,
		api:         api,
		establisher: newEstablisher(store, cfg.Routes, logger.Named("session")),
		logger:      logger,
		audit:       auditSink,
		metrics:     metrics,
		clock:       clock,
		onCooldown:  b.onCooldown,
	}, nil
}
