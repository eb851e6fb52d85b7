package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/config"
	"clinicore.org/internal/directory"
	"clinicore.org/internal/grants"
	"clinicore.org/internal/migrate"
	"clinicore.org/internal/records"
	"clinicore.org/internal/store"
	"clinicore.org/internal/store/pg"
	"clinicore.org/internal/store/redis"
	"clinicore.org/internal/store/sqlite"
)

// backend is an opened store plus what it takes to release it.
type backend struct {
	store.Store
	db    *sql.DB
	close func() error
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		return &backend{Store: store.NewMemory(), close: func() error { return nil }}, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &backend{Store: st, db: st.DB(), close: st.Close}, nil
	case config.DriverPostgres:
		st, err := pg.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			st.DB().SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Migrate {
			applied, err := migrate.NewManager(st.DB(), migrate.Postgres).Up(ctx)
			if err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			for _, name := range applied {
				logger.Info("migration applied", slog.String("name", name))
			}
		}
		return &backend{Store: st, db: st.DB(), close: st.Close}, nil
	case config.DriverRedis:
		st, err := redis.Open(ctx, cfg.Redis.Options())
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		return &backend{Store: st, close: st.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// engine is the assembled set of services.
type engine struct {
	repo    *directory.Repository
	trail   *audit.Log
	dir     *directory.Service
	records *records.Registry
	grants  *grants.Service
	authz   *auth.Authorizer
}

func buildEngine(cfg *config.Config, st store.Store, logger *slog.Logger) (*engine, error) {
	repo := directory.NewRepository(st)
	trail, err := audit.New(st, repo,
		audit.WithLogger(logger),
		audit.WithRetention(cfg.Audit.Retention),
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
		audit.WithChainKey(cfg.ChainKey()),
	)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewSessionIssuer(cfg.Auth.SessionSecret,
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return nil, err
	}
	dir, err := directory.NewService(repo, trail, issuer,
		directory.WithLogger(logger),
		directory.WithMinSecretLength(cfg.Auth.MinSecretLength),
	)
	if err != nil {
		return nil, err
	}
	reg, err := records.NewRegistry(st, repo, trail, records.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	gs, err := grants.NewService(st, repo, reg, trail,
		grants.WithLogger(logger),
		grants.WithReasonBounds(cfg.Grants.MinReasonLength, cfg.Grants.MaxReasonLength),
	)
	if err != nil {
		return nil, err
	}
	authz, err := auth.NewAuthorizer(gs, reg, auth.WithAuthorizerLogger(logger))
	if err != nil {
		return nil, err
	}
	return &engine{repo: repo, trail: trail, dir: dir, records: reg, grants: gs, authz: authz}, nil
}
