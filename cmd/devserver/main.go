// Command gkid-devserver runs an in-memory identity backend for local runs:
// the HTTP auth endpoints and the gRPC realtime endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/goph-identity/internal/devbackend"
	"github.com/and161185/goph-identity/internal/limiter"
	grpcserver "github.com/and161185/goph-identity/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	grpcAddr := flag.String("grpc-addr", ":8443", "realtime gRPC listen address")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token TTL")
	redisAddr := flag.String("redis", "", "Redis address for attempt limiting; in-memory when empty")
	certFile := flag.String("tls-cert", "", "TLS certificate for the gRPC endpoint (PEM)")
	keyFile := flag.String("tls-key", "", "TLS private key for the gRPC endpoint (PEM)")
	seed := flag.Bool("seed", true, "register the demo users")
	dev := flag.Bool("dev", false, "enable gRPC server reflection")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
		zap.String("grpcAddr", *grpcAddr),
	)

	if *jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := devbackend.NewDirectory()
	if *seed {
		if err := devbackend.SeedDemo(dir); err != nil {
			logger.Fatal("seed demo users", zap.Error(err))
		}
	}
	iss := devbackend.NewIssuer([]byte(*jwtKey), *accessTTL, 0, nil)

	var pins, logins limiter.Limiter
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		pins = limiter.NewRedis(rdb, "gkid:pin:", limiter.Options{})
		logins = limiter.NewRedis(rdb, "gkid:login:", limiter.Options{})
	} else {
		pins = limiter.NewMemory(limiter.Options{})
		logins = limiter.NewMemory(limiter.Options{})
	}

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           devbackend.New(dir, iss, pins, logins, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var opts []grpc.ServerOption
	if *certFile != "" && *keyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("gRPC endpoint runs without TLS")
	}
	gs, hs := grpcserver.New(iss, logger, opts...)
	if *dev {
		reflection.Register(gs)
	}

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", *addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", *grpcAddr))
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			gs.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
