package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"clinicore.org/internal/directory"
	"clinicore.org/internal/httpapi"
	"clinicore.org/internal/obs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		obs.Init()
		obs.InitBuildInfo(version, commit)
		logger := obs.NewLogger(cfg.LogConfig("clinicore", version))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := st.close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		}()

		eng, err := buildEngine(cfg, st, logger)
		if err != nil {
			return err
		}
		if cfg.Bootstrap.Enabled() {
			acct, created, err := eng.dir.EnsureAdministrator(ctx, directory.NewAccount{
				Email:       cfg.Bootstrap.AdminEmail,
				DisplayName: cfg.Bootstrap.AdminName,
				Secret:      cfg.Bootstrap.AdminSecret,
			})
			if err != nil {
				return err
			}
			if created {
				logger.Info("bootstrap administrator ready", slog.String("account_id", acct.ID))
			}
		}

		probe := httpapi.ReadyProbe{Store: st.Store}
		api, err := httpapi.New(httpapi.Deps{
			Directory:  eng.dir,
			Grants:     eng.grants,
			Records:    eng.records,
			Audit:      eng.trail,
			Authorizer: eng.authz,
			Ready:      probe,
		}, httpapi.Options{
			Version:        version,
			Logger:         logger,
			CORSOrigins:    cfg.Server.CORSOrigins,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			LoginPerMinute: cfg.RateLimit.LoginPerMinute,
			LoginBurst:     cfg.RateLimit.LoginBurst,
		})
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.Handler(),
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		}

		health := httpapi.NewGRPCServer(probe, version, logger)
		grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(health.UnaryLogging()))
		health.Register(grpcSrv)

		errCh := make(chan error, 2)
		go func() {
			logger.Info("http listening", slog.String("addr", srv.Addr), slog.String("store", cfg.Store.Driver))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		if cfg.Server.GRPCAddr != "" {
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return err
			}
			go func() {
				logger.Info("grpc listening", slog.String("addr", cfg.Server.GRPCAddr))
				if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					errCh <- err
				}
			}()
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err := <-errCh:
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.String("error", err.Error()))
		}
		if err := eng.trail.Close(shutdownCtx); err != nil {
			logger.Error("audit flush on shutdown", slog.String("error", err.Error()))
		}
		logger.Info("stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
