// Command clinic-login drives the clinic portal sign-in flows from a
// terminal: password login with two-factor, registration, Google sign-in,
// session restore and logout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/clinicportal/clinicauth"
	"github.com/clinicportal/clinicauth/authtest"
	"github.com/clinicportal/clinicauth/internal/authapi"
	"github.com/clinicportal/clinicauth/metrics/export/prometheus"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	demoEmail    = "demo@clinic.test"
	demoPassword = "demo-password"
)

func main() {
	_ = godotenv.Load()

	var (
		redisAddr   = flag.String("redis-addr", "", "redis address for the resident store; if empty, REDIS_ADDR env or memory is used")
		inProcRedis = flag.Bool("miniredis", false, "run an in-process redis for the resident store")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
		demo        = flag.Bool("demo", false, "run against an in-process Auth API with a demo account")
		auditLog    = flag.Bool("audit", false, "write audit events to stderr as JSON lines")
		cookieFile  = flag.String("cookie-file", "", "persist session cookies here; defaults to the user config dir when redis is used")
	)
	flag.Parse()

	logger, err := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_DEV") == "1")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := clinicauth.ConfigFromEnv()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	var cleanup cleanups
	defer cleanup.run()

	if *demo {
		srv := authtest.NewServer(&cleanup)
		srv.AddAccount(authtest.Account{
			Password: demoPassword,
			User: authapi.User{
				ID:        "u-demo",
				Email:     demoEmail,
				FirstName: "Demo",
				LastName:  "Patient",
				Role:      "patient",
				Phone:     "+48500600700",
			},
			Methods:     []string{"sms", "email", "backup"},
			BackupCodes: []string{"DEMO2FA1"},
		})
		cfg.API.BaseURL = srv.BaseURL()
		cfg.Federated.Audience = authtest.GoogleAudience
		cfg.Federated.AllowedIssuers = []string{authtest.GoogleIssuer}
		fmt.Printf("demo Auth API at %s; sign in as %s / %s, code %s\n", srv.BaseURL(), demoEmail, demoPassword, authtest.DefaultCode)
	}

	for _, w := range cfg.Lint() {
		logger.Warn("config lint", zap.String("code", w.Code), zap.String("message", w.Message))
	}

	builder := clinicauth.New().
		WithConfig(cfg).
		WithLogger(logger).
		WithCooldownListener(func(_ string, remaining int) {
			if remaining == 0 {
				fmt.Println("(resend available)")
			}
		})

	if *auditLog {
		sink := clinicauth.NewAsyncSink(clinicauth.NewJSONWriterSink(os.Stderr), 256, true)
		cleanup.Cleanup(func() {
			sink.Close()
			if n := sink.Dropped(); n > 0 {
				logger.Warn("audit events dropped", zap.Uint64("count", n))
			}
		})
		builder = builder.WithAuditSink(sink)
	}

	client, durable := residentRedis(*redisAddr, *inProcRedis, &cleanup, logger)
	if client != nil {
		builder = builder.WithRedis(client)
	}
	if path := sessionCookieFile(*cookieFile, cfg.Session.CookieFile, durable); path != "" {
		cfg.Session.CookieFile = path
		builder = builder.WithConfig(cfg)
		logger.Info("persisting session cookies", zap.String("path", path))
	}

	orch, err := builder.Build()
	if err != nil {
		logger.Fatal("build orchestrator", zap.Error(err))
	}
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prometheus.NewPrometheusExporter(orch).Handler())
		msrv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		cleanup.Cleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = msrv.Shutdown(shutdownCtx)
		})
		logger.Info("serving metrics", zap.String("addr", *metricsAddr))
	}

	if sess, dest, err := orch.Restore(ctx); err != nil {
		logger.Warn("restore session", zap.Error(err))
	} else if sess != nil {
		fmt.Printf("restored session for %s -> %s\n", sess.User.Email, dest)
	}

	if err := newShell(orch, os.Stdin, os.Stdout).run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shell", zap.Error(err))
	}
}

// cleanups runs registered functions in reverse order.
type cleanups struct {
	fns []func()
}

func (c *cleanups) Cleanup(fn func()) {
	c.fns = append(c.fns, fn)
}

func (c *cleanups) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// residentRedis picks the resident store's Redis. durable is false for the
// in-process miniredis, which does not outlive the process.
func residentRedis(addr string, inProc bool, cleanup *cleanups, logger *zap.Logger) (client redis.UniversalClient, durable bool) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	durable = addr != ""
	if addr == "" && inProc {
		mr, err := miniredis.Run()
		if err != nil {
			logger.Fatal("start miniredis", zap.Error(err))
		}
		cleanup.Cleanup(mr.Close)
		addr = mr.Addr()
		logger.Info("using miniredis", zap.String("addr", addr))
	}
	if addr == "" {
		return nil, false
	}
	client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	cleanup.Cleanup(func() { _ = client.Close() })
	logger.Info("using redis resident store", zap.String("addr", addr))
	return client, durable
}

// sessionCookieFile resolves where session cookies persist. An explicit flag
// wins over CLINIC_COOKIE_FILE; with neither, a durable resident store gets
// a file under the user config dir so the two halves survive together.
func sessionCookieFile(flagValue, configured string, durable bool) string {
	switch {
	case flagValue != "":
		return flagValue
	case configured != "":
		return configured
	case !durable:
		return ""
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "clinic-login", "cookies.json")
}

func levelFromString(l string) zapcore.Level {
	switch l {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	if level == "" && dev {
		level = "debug"
	}
	lvl := levelFromString(level)
	if dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(lvl)
		return c.Build()
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
