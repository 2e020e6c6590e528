// Command authd serves the CDB authentication and authorization API over HTTP
// and token introspection over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/config"
	"cdb.platformcommons.org/internal/grpcapi"
	"cdb.platformcommons.org/internal/httpapi"
	"cdb.platformcommons.org/internal/obs"
	"cdb.platformcommons.org/internal/store/pg"
	"cdb.platformcommons.org/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("authd stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log := obs.NewLogger(cfg.Env, os.Stdout)
	obs.SetLogger(log)
	obs.Init()
	obs.SetBuildInfo(version, commit)
	if cfg.KeysGenerated {
		log.Warn("using an ephemeral development key pair; tokens will not survive a restart")
	}

	bk, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bk.close()

	codec, err := auth.NewCodec(cfg.JWTPublicKey,
		auth.WithPrivateKey(cfg.JWTPrivateKey),
		auth.WithKeyID(cfg.JWTKeyID),
		auth.WithIssuer(cfg.JWTIssuer),
	)
	if err != nil {
		return err
	}
	if !codec.CanSign() {
		log.Warn("no private key configured; running as a validator only")
	}
	deps, err := buildServices(cfg, bk, codec, log)
	if err != nil {
		return err
	}

	api, err := httpapi.New(deps, httpapi.Options{
		Version:       version,
		PublicPaths:   cfg.PublicPaths,
		CORSOrigins:   cfg.CORSOrigins,
		AllowLocal:    cfg.IsDevelopment(),
		RateBurst:     cfg.RateBurst,
		RatePerSec:    cfg.RatePerSec,
		LoginPerMin:   cfg.LoginPerMin,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		SessionTTL:    cfg.SessionTTL,
		SecureCookies: cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	gsrv := grpcapi.NewServer(deps.Verifier, deps.Ready, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Info("grpc listening", "addr", cfg.GRPCAddr)
		return gsrv.Serve(lis)
	})
	g.Go(func() error {
		gsrv.WatchReadiness(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		gsrv.GracefulStop()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// backends holds the optional external stores. Nil fields fall back to the
// in-process implementations.
type backends struct {
	pg    *pg.Store
	redis *redis.Client
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	bk := &backends{}
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		bk.pg = store
	} else {
		log.Warn("CDB_PG_DSN not set; users and clients live in memory")
	}
	if cfg.RedisURL != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rdb, err := redisstore.Dial(dctx, cfg.RedisURL)
		if err != nil {
			bk.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		bk.redis = rdb
	}
	return bk, nil
}

func (b *backends) close() {
	if b.pg != nil {
		_ = b.pg.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func (b *backends) ready() httpapi.ReadyProbe {
	var probe httpapi.ReadyProbe
	if b.pg != nil {
		probe.DB = b.pg.DB()
	}
	if b.redis != nil {
		rdb := b.redis
		probe.Ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return probe
}

func buildServices(cfg *config.Config, bk *backends, codec *auth.Codec, log *slog.Logger) (httpapi.Deps, error) {
	var store auth.Store = auth.NewMemoryStore()
	if bk.pg != nil {
		store = bk.pg
	}
	var (
		otpStore auth.OTPStore = auth.NewMemoryOTPStore()
		denylist auth.Denylist = auth.NewMemoryDenylist(nil)
	)
	if bk.redis != nil {
		otpStore = redisstore.NewOTPStore(bk.redis)
		denylist = redisstore.NewDenylist(bk.redis)
	}

	svc, err := auth.NewService(store, codec,
		auth.WithAccessTTL(cfg.AccessTTL()),
		auth.WithRefreshTTL(cfg.RefreshTTL()),
		auth.WithDenylist(denylist),
		auth.WithLogger(log),
	)
	if err != nil {
		return httpapi.Deps{}, err
	}
	oauth2, err := auth.NewOAuth2Service(store, codec,
		auth.WithCodeTTL(cfg.OAuth2CodeTTL),
		auth.WithOAuth2AccessTTL(cfg.OAuth2AccessTTL()),
		auth.WithOAuth2Logger(log),
	)
	if err != nil {
		return httpapi.Deps{}, err
	}
	otp, err := auth.NewOTPService(otpStore,
		auth.WithOTPTTL(cfg.OTPTTL),
		auth.WithDevBypass(cfg.OTPDevBypass),
		auth.WithOTPLogger(log),
	)
	if err != nil {
		return httpapi.Deps{}, err
	}
	dir, err := auth.NewDirectory(store)
	if err != nil {
		return httpapi.Deps{}, err
	}
	return httpapi.Deps{
		Auth:      svc,
		OAuth2:    oauth2,
		OTP:       otp,
		Registrar: auth.NewRegistrar(store, otp, log),
		Directory: dir,
		Verifier:  auth.NewVerifier(codec, denylist),
		Ready:     bk.ready(),
		Logger:    log,
	}, nil
}
