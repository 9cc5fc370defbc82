package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/evidence_layer/internal/app/httpapi"
	"github.com/R3E-Network/evidence_layer/internal/app/services/admin"
	"github.com/R3E-Network/evidence_layer/internal/app/services/registration"
	"github.com/R3E-Network/evidence_layer/internal/app/services/verification"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/app/storage/memory"
	"github.com/R3E-Network/evidence_layer/internal/app/system"
	"github.com/R3E-Network/evidence_layer/internal/audit"
	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/internal/blob"
	"github.com/R3E-Network/evidence_layer/internal/config"
	"github.com/R3E-Network/evidence_layer/internal/gateway"
	"github.com/R3E-Network/evidence_layer/internal/middleware"
	"github.com/R3E-Network/evidence_layer/internal/notify"
	"github.com/R3E-Network/evidence_layer/internal/wallet"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

const rateLimitCleanupInterval = 5 * time.Minute

// Backends are the external dependencies of the application. Nil Repo and
// Blobs default to in-memory implementations; a nil Wallet leaves the
// gateway without a signer.
type Backends struct {
	Repo   storage.Repository
	Blobs  blob.Store
	Wallet wallet.Provider
	// HostSampler feeds the admin stats. Nil uses admin.SystemSampler.
	HostSampler admin.HostSampler
}

// Application ties the evidence services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     config.Config

	Repo          storage.Repository
	Blobs         blob.Store
	Gateway       *gateway.Gateway
	Audit         *audit.Writer
	Notifications *notify.Broadcaster
	Registration  *registration.Service
	Verification  *verification.Service
	Admin         *admin.Service
	Sweeper       *registration.Sweeper

	authenticator *auth.Authenticator
	limiter       *middleware.RateLimiter
	handler       http.Handler
}

// New builds a fully wired application from cfg and backends.
func New(cfg config.Config, backends Backends, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if backends.Repo == nil {
		backends.Repo = memory.New()
	}
	if backends.Blobs == nil {
		backends.Blobs = blob.NewMemoryStore()
	}
	if backends.HostSampler == nil {
		backends.HostSampler = admin.SystemSampler{}
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	authenticator.SetAdmins(cfg.Auth.AdminUserIDs)

	a := &Application{
		manager:       system.NewManager(log.Named("system")),
		log:           log,
		cfg:           cfg,
		Repo:          backends.Repo,
		Blobs:         backends.Blobs,
		Notifications: notify.NewBroadcaster(log.Named("notify")),
		authenticator: authenticator,
	}

	a.Audit = audit.NewWriter(backends.Repo, cfg.Audit.Buffer, cfg.Audit.Timeout, log.Named("audit"))
	a.Gateway = gateway.New(backends.Repo, backends.Wallet, gateway.Config{
		PollInterval: cfg.Wallet.PollInterval,
		WaitTimeout:  cfg.Wallet.WaitTimeout,
		RPCTimeout:   cfg.Wallet.RPCTimeout,
	}, log.Named("gateway"))

	a.Registration, err = registration.New(registration.Deps{
		Repo:     backends.Repo,
		Blobs:    backends.Blobs,
		Chain:    a.Gateway,
		Audit:    a.Audit,
		Notifier: a.Notifications,
		Log:      log.Named("registration"),
	}, registration.Config{
		Timeout:     cfg.Registration.Timeout,
		MaxFileSize: cfg.Registration.MaxFileSize,
		URLExpiry:   cfg.Blob.URLExpiry,
	})
	if err != nil {
		return nil, err
	}
	a.Verification = verification.New(backends.Repo, a.Gateway, a.Audit, log.Named("verification"))
	a.Admin = admin.New(backends.Repo, backends.HostSampler, log.Named("admin"))
	a.Sweeper = registration.NewSweeper(backends.Repo, a.Notifications,
		cfg.Registration.StaleAfter, cfg.Registration.SweepSchedule, log.Named("sweeper"))

	if cfg.RateLimit.RequestsPerSecond > 0 {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log.Named("ratelimit"))
	}

	a.handler = httpapi.NewHandler(httpapi.Services{
		Registration:  a.Registration,
		Verification:  a.Verification,
		Admin:         a.Admin,
		Notifications: a.Notifications,
	}, httpapi.Options{
		Verifier:       authenticator,
		RateLimiter:    a.limiter,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxUploadBytes: cfg.Registration.MaxFileSize,
		Log:            log.Named("http"),
	})

	if err := a.registerLifecycle(); err != nil {
		return nil, err
	}
	return a, nil
}

// registerLifecycle orders the services so that in-flight registrations
// drain before the sweeper and the audit writer stop.
func (a *Application) registerLifecycle() error {
	services := []system.Service{
		system.Func{
			ServiceName: "audit-writer",
			StartFunc: func(context.Context) error {
				a.Audit.Start()
				return nil
			},
			StopFunc: a.Audit.Stop,
		},
		system.Func{
			ServiceName: "gateway",
			StartFunc: func(ctx context.Context) error {
				// The gateway binds lazily; a missing network or wallet at boot
				// only affects submissions until it is configured.
				if err := a.Gateway.Initialize(ctx); err != nil {
					a.log.WithError(err).Warn("chain gateway not ready")
				}
				return nil
			},
		},
		a.Sweeper,
		system.Func{
			ServiceName: "registrations",
			StopFunc:    a.Registration.Shutdown,
		},
	}
	if a.limiter != nil {
		var stop chan struct{}
		services = append(services, system.Func{
			ServiceName: "rate-limit-cleanup",
			StartFunc: func(context.Context) error {
				stop = make(chan struct{})
				a.limiter.StartCleanup(rateLimitCleanupInterval, stop)
				return nil
			},
			StopFunc: func(context.Context) error {
				if stop != nil {
					close(stop)
					stop = nil
				}
				return nil
			},
		})
	}

	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP API.
func (a *Application) Handler() http.Handler { return a.handler }

// Authenticator verifies and issues bearer tokens for the API.
func (a *Application) Authenticator() *auth.Authenticator { return a.authenticator }

// Start starts the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop drains registrations and stops the background services. It does not
// close the backends.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("shutdown deadline reached with registrations still running")
	}
	return err
}

// Descriptors lists the lifecycle services in start order.
func (a *Application) Descriptors() []string {
	return a.manager.Services()
}
