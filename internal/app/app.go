// Package app wires configuration into a running gatehouse: stores, engine components,
// HTTP and gRPC servers and background jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
	"gatehouse.dev/internal/config"
	"gatehouse.dev/internal/features"
	"gatehouse.dev/internal/grpcapi"
	"gatehouse.dev/internal/httpapi"
	"gatehouse.dev/internal/jobs"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/optimistic"
	"gatehouse.dev/internal/store/pg"
	"gatehouse.dev/internal/store/redisstore"
)

// App holds the assembled service.
type App struct {
	cfg  *config.Config
	log  *logrus.Logger
	HTTP *http.Server
	GRPC *grpcapi.Server
	Jobs *jobs.Scheduler

	Tokens      *auth.TokenService
	Provisioner *auth.Provisioner
	Pipeline    *authz.Pipeline

	closers []func() error
}

type stores struct {
	directory auth.DirectoryStore
	flags     features.Store
	entities  optimistic.Store
	registry  auth.RevocationRegistry
	purger    jobs.Purger
	ready     httpapi.ReadyProbe
}

// Build opens the configured stores and assembles every component. On error anything
// already opened is closed.
func Build(ctx context.Context, cfg *config.Config, version string) (a *App, err error) {
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	a = &App{cfg: cfg, log: obs.Logger()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenService(st.registry, tokenOptions(cfg.Tokens)...)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}
	gate, err := features.NewGate(st.flags, cfg.Policy.GateOptions()...)
	if err != nil {
		return nil, fmt.Errorf("feature gate: %w", err)
	}
	prov, err := auth.NewProvisioner(st.directory, gate)
	if err != nil {
		return nil, err
	}
	authn, err := auth.NewAuthenticator(st.directory, tokens)
	if err != nil {
		return nil, err
	}
	pipeline, err := authz.NewPipeline(tokens, st.directory, gate)
	if err != nil {
		return nil, err
	}
	guard, err := optimistic.NewGuard(st.entities, gate.Resources()...)
	if err != nil {
		return nil, err
	}
	a.Tokens, a.Provisioner, a.Pipeline = tokens, prov, pipeline

	if err := a.seed(ctx, prov); err != nil {
		return nil, err
	}

	api, err := httpapi.New(httpapi.Deps{
		Pipeline:    pipeline,
		Authn:       authn,
		Gate:        gate,
		Guard:       guard,
		Provisioner: prov,
		Ready:       st.ready,
		LoginRPS:    cfg.RateLimit.LoginRPS,
		LoginBurst:  cfg.RateLimit.LoginBurst,
	}, version)
	if err != nil {
		return nil, err
	}
	a.HTTP = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	if cfg.GRPC.Addr != "" {
		if a.GRPC, err = grpcapi.NewServer(pipeline, st.ready); err != nil {
			return nil, err
		}
	}

	a.Jobs = jobs.NewScheduler()
	if st.purger != nil {
		if err := a.Jobs.SchedulePurge(cfg.Jobs.RevocationPurge, st.purger); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	var st stores
	cfg := a.cfg

	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return st, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.Ping(pingCtx); err != nil {
			return st, fmt.Errorf("ping postgres: %w", err)
		}
		st.directory, st.flags, st.entities = db, db, db
		st.registry, st.purger = db, db
		st.ready.DB = db.DB()
		a.log.Info("using postgres stores")
	} else {
		st.directory = auth.NewMemoryStore()
		st.flags = features.NewMemoryStore()
		st.entities = optimistic.NewMemoryStore()
		st.registry = auth.NewMemoryRevocations(nil)
		a.log.Warn("GATEHOUSE_PG_DSN not set: using in-memory stores")
	}

	if cfg.Redis.Addr != "" {
		reg, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return st, err
		}
		a.closers = append(a.closers, reg.Close)
		st.registry = reg
		st.purger = nil
		st.ready.Redis = reg
		a.log.WithField("addr", cfg.Redis.Addr).Info("using redis revocation registry")
	}
	return st, nil
}

func tokenOptions(c config.TokenConfig) []auth.TokenOption {
	opts := []auth.TokenOption{
		auth.WithIssuer(c.Issuer),
		auth.WithAccessTTL(c.AccessTTL),
		auth.WithRefreshTTL(c.RefreshTTL),
	}
	if c.RSAPrivateKey != "" {
		opts = append(opts, auth.WithRS256Keys(c.RSAPrivateKey, c.RSAPublicKey))
	} else {
		opts = append(opts, auth.WithHMACSecret(c.HMACSecret))
	}
	if c.KeyID != "" {
		opts = append(opts, auth.WithKeyID(c.KeyID))
	}
	return opts
}

// seed syncs policy roles and the bootstrap superuser.
func (a *App) seed(ctx context.Context, prov *auth.Provisioner) error {
	for _, r := range a.cfg.Policy.Roles {
		role, err := prov.EnsureRole(ctx, "", r.Name, r.Permissions)
		if err != nil {
			return fmt.Errorf("policy role %q: %w", r.Name, err)
		}
		a.log.WithFields(logrus.Fields{"role": role.Name, "permissions": role.Permissions}).Info("platform role synced")
	}

	b := a.cfg.Bootstrap
	if !b.Enabled() {
		return nil
	}
	p, created, err := prov.Bootstrap(ctx, b.TenantName, b.TenantSlug, b.Identifier, b.Secret)
	if err != nil {
		return fmt.Errorf("bootstrap superuser: %w", err)
	}
	a.log.WithFields(logrus.Fields{
		"tenant_id":    p.TenantID,
		"principal_id": p.ID,
		"created":      created,
	}).Info("bootstrap superuser ready")
	return nil
}

// Run serves until ctx is cancelled, then shuts everything down gracefully.
func (a *App) Run(ctx context.Context) error {
	var lis net.Listener
	if a.GRPC != nil {
		var err error
		if lis, err = net.Listen("tcp", a.cfg.GRPC.Addr); err != nil {
			a.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.WithField("addr", a.HTTP.Addr).Info("http server listening")
		if err := a.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if a.GRPC != nil {
		g.Go(func() error {
			a.log.WithField("addr", a.cfg.GRPC.Addr).Info("grpc server listening")
			return a.GRPC.GRPC().Serve(lis)
		})
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				if err := a.GRPC.RefreshHealth(ctx); err != nil {
					a.log.WithError(err).Warn("grpc health not serving")
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	a.Jobs.Start()

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()

		a.Jobs.Stop(shutdownCtx)
		if a.GRPC != nil {
			a.GRPC.GracefulStop()
		}
		return a.HTTP.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases store connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
