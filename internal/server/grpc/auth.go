package grpcserver

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/goph-identity/internal/devbackend"
)

// Verifier validates access tokens. *devbackend.Issuer satisfies it.
type Verifier interface {
	Verify(raw string) (*devbackend.Claims, error)
}

// authenticate checks the bearer token and, when sent, that x-profile-id names
// the profile the token was issued for. A client that kept its connection
// across a profile switch fails the second check.
func authenticate(ctx context.Context, v Verifier) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no metadata")
	}
	raw, ok := devbackend.BearerToken(md.Get("authorization")...)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no bearer token")
	}
	claims, err := v.Verify(raw)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	for _, p := range md.Get("x-profile-id") {
		if p != claims.ProfileID {
			return nil, status.Error(codes.PermissionDenied, "profile does not match token")
		}
	}
	return devbackend.WithClaims(ctx, claims), nil
}

// AuthUnary rejects unary calls without a valid access token.
func AuthUnary(v Verifier, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		actx, err := authenticate(ctx, v)
		if err != nil {
			log.Debug("grpc auth rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, err
		}
		return next(actx, req)
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s authedStream) Context() context.Context { return s.ctx }

// AuthStream is AuthUnary for streams.
func AuthStream(v Verifier, log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		actx, err := authenticate(ss.Context(), v)
		if err != nil {
			log.Debug("grpc auth rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return err
		}
		return next(srv, authedStream{ServerStream: ss, ctx: actx})
	}
}
