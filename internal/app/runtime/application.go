// Package runtime opens the configured backends, wires the application and
// manages the HTTP server lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	supa "github.com/R3E-Network/evidence_layer/infra/supabase"
	app "github.com/R3E-Network/evidence_layer/internal/app"
	"github.com/R3E-Network/evidence_layer/internal/app/metrics"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/app/storage/memory"
	"github.com/R3E-Network/evidence_layer/internal/app/storage/postgres"
	supastore "github.com/R3E-Network/evidence_layer/internal/app/storage/supabase"
	"github.com/R3E-Network/evidence_layer/internal/blob"
	"github.com/R3E-Network/evidence_layer/internal/config"
	"github.com/R3E-Network/evidence_layer/internal/feed"
	"github.com/R3E-Network/evidence_layer/internal/platform/migrations"
	"github.com/R3E-Network/evidence_layer/internal/wallet"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

const connectTimeout = 10 * time.Second

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	closers    []func() error
}

// NewApplication opens every backend named by cfg and builds the service.
// On failure, whatever was already opened is closed again.
func NewApplication(ctx context.Context, cfg config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New(logger.LoggingConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			FilePrefix: cfg.Logging.FilePrefix,
		})
	}
	a := &Application{cfg: cfg, log: log}

	backends, err := a.buildBackends(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.app, err = app.New(cfg, backends, log.Named("app"))
	if err != nil {
		a.closeAll()
		return nil, err
	}

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return a, nil
}

// App exposes the wired services.
func (a *Application) App() *app.Application { return a.app }

// Run starts the background services and the HTTP server, and blocks until
// ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.app.Start(ctx); err != nil {
		ln.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, drains in-flight registrations and
// closes the backends. It is bounded by cfg.Server.ShutdownTimeout.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.closeAll()
	return errors.Join(errs...)
}

func (a *Application) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *Application) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("error closing backend")
		}
	}
	a.closers = nil
}

func (a *Application) buildBackends(ctx context.Context) (app.Backends, error) {
	var backends app.Backends
	supaCli, err := a.supabaseClient()
	if err != nil {
		return backends, err
	}

	if backends.Repo, err = a.openRepository(ctx, supaCli); err != nil {
		return backends, err
	}
	if backends.Blobs, err = a.openBlobs(supaCli); err != nil {
		return backends, err
	}

	if a.cfg.Wallet.RPCURL != "" {
		provider, err := wallet.NewRPCProvider(a.cfg.Wallet.RPCURL, a.cfg.Wallet.RPCTimeout)
		if err != nil {
			return backends, fmt.Errorf("wallet provider: %w", err)
		}
		backends.Wallet = provider
	} else {
		a.log.Warn("no wallet RPC configured; on-chain registration is unavailable")
	}
	return backends, nil
}

// OpenRepository opens only the repository named by cfg.Storage, for tools
// that manage data without running the service. release closes it.
func OpenRepository(ctx context.Context, cfg config.Config, log *logger.Logger) (repo storage.Repository, release func(), err error) {
	if log == nil {
		log = logger.NewDefault("runtime")
	}
	a := &Application{cfg: cfg, log: log}
	supaCli, err := a.supabaseClient()
	if err == nil {
		repo, err = a.openRepository(ctx, supaCli)
	}
	if err != nil {
		a.closeAll()
		return nil, nil, err
	}
	return repo, a.closeAll, nil
}

// supabaseClient returns nil when no backend uses Supabase.
func (a *Application) supabaseClient() (*supa.Client, error) {
	if a.cfg.Storage.Driver != config.DriverSupabase && a.cfg.Blob.Driver != config.DriverSupabase {
		return nil, nil
	}
	breaker := supa.DefaultCircuitBreakerConfig()
	breakerLog := a.log.Named("supabase")
	breaker.OnStateChange = func(from, to supa.CircuitState) {
		entry := breakerLog.WithField("from", from.String()).WithField("to", to.String())
		if to == supa.CircuitOpen {
			entry.Warn("supabase circuit opened")
			return
		}
		entry.Info("supabase circuit state changed")
	}
	cli, err := supa.New(supa.Config{
		URL:            a.cfg.Supabase.URL,
		ServiceKey:     a.cfg.Supabase.ServiceKey,
		Timeout:        a.cfg.Supabase.Timeout,
		CircuitBreaker: breaker,
	})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	if err := metrics.RegisterUpstream("supabase", func() metrics.UpstreamStats {
		st := cli.Stats()
		return metrics.UpstreamStats{
			Requests:    st.Requests,
			Retries:     st.Retries,
			Failures:    st.Failures,
			CircuitOpen: cli.CircuitState() == supa.CircuitOpen,
		}
	}); err != nil {
		breakerLog.WithError(err).Warn("supabase transport metrics unavailable")
	}
	return cli, nil
}

func (a *Application) openRepository(ctx context.Context, supaCli *supa.Client) (storage.Repository, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverMemory, "":
		store := memory.New()
		a.onClose(func() error { store.Close(); return nil })
		return store, nil

	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		db, err := postgres.Open(connectCtx, a.cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
		if a.cfg.Storage.AutoMigrate {
			if err := migrations.Up(db.DB); err != nil {
				return nil, err
			}
		}

		opts := []postgres.Option{postgres.WithLogger(a.log.Named("store-postgres"))}
		if broker, err := a.openBroker(ctx); err != nil {
			return nil, err
		} else if broker != nil {
			opts = append(opts, postgres.WithBroker(broker))
		}
		return postgres.New(db, opts...), nil

	case config.DriverSupabase:
		store := supastore.New(supaCli, a.log.Named("store-supabase"))
		a.onClose(func() error { store.Close(); return nil })
		if a.cfg.Supabase.Realtime {
			if err := a.relayRealtime(ctx, supaCli, store); err != nil {
				return nil, err
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
}

// openBroker returns nil for the local feed.
func (a *Application) openBroker(ctx context.Context) (feed.Broker, error) {
	if a.cfg.Feed.Driver != config.DriverRedis {
		return nil, nil
	}
	opts, err := redis.ParseURL(a.cfg.Feed.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.onClose(client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	broker := feed.NewRedisBroker(client, a.cfg.Feed.Channel, a.log.Named("feed-redis"))
	// The relay outlives the boot context.
	if err := broker.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	a.onClose(broker.Close)
	return broker, nil
}

func (a *Application) relayRealtime(ctx context.Context, supaCli *supa.Client, store *supastore.Store) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	rt, err := supaCli.Realtime(dialCtx)
	if err != nil {
		return fmt.Errorf("supabase realtime: %w", err)
	}
	a.onClose(rt.Close)
	if _, err := store.RelayRealtime(dialCtx, rt); err != nil {
		return err
	}
	return nil
}

func (a *Application) openBlobs(supaCli *supa.Client) (blob.Store, error) {
	switch a.cfg.Blob.Driver {
	case config.DriverMemory, "":
		return blob.NewMemoryStore(), nil
	case config.DriverS3:
		s3 := a.cfg.Blob.S3
		return blob.NewS3Store(blob.S3Config{
			Endpoint:        s3.Endpoint,
			Region:          s3.Region,
			Bucket:          a.cfg.Blob.Bucket,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
		})
	case config.DriverSupabase:
		return blob.NewSupabaseStore(supaCli, a.cfg.Blob.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", a.cfg.Blob.Driver)
	}
}
