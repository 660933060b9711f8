// Package realtime manages the best-effort realtime connection that is dropped and
// re-established around a profile switch.
package realtime

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name the realtime endpoint reports.
const Service = "goph.identity.realtime"

// ErrNotConnected is returned by Check when there is no connection.
var ErrNotConnected = errors.New("realtime: not connected")

// Channel is the realtime connection as seen by the switch protocol.
type Channel interface {
	IsConnected() bool
	Disconnect() error
}

// Reconnector is implemented by channels that can be re-established with the
// credentials current at call time.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// CredentialSource yields the credentials attached to every realtime RPC.
type CredentialSource interface {
	CurrentAccessToken() string
	ProfileID() string
}

// conn is the subset of *grpc.ClientConn in use.
type conn interface {
	GetState() connectivity.State
	Connect()
	Close() error
}

// TLSOptions selects transport security. Plaintext is for local development only.
type TLSOptions struct {
	CAPath     string
	SkipVerify bool
	Plaintext  bool
}

func (o TLSOptions) credentials() (credentials.TransportCredentials, error) {
	switch {
	case o.Plaintext:
		return insecure.NewCredentials(), nil
	case o.SkipVerify:
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	case o.CAPath == "":
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(o.CAPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type bearerCreds struct {
	src    CredentialSource
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	md := map[string]string{}
	if tok := b.src.CurrentAccessToken(); tok != "" {
		md["authorization"] = "Bearer " + tok
	}
	if p := b.src.ProfileID(); p != "" {
		md["x-profile-id"] = p
	}
	return md, nil
}

func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

// GRPCChannel is a Channel over a gRPC client connection. It reports connected
// only while the connection is READY.
type GRPCChannel struct {
	log  *zap.Logger
	dial func() (conn, error)

	mu sync.Mutex
	cc conn
}

var (
	_ Channel     = (*GRPCChannel)(nil)
	_ Reconnector = (*GRPCChannel)(nil)
)

// Dial creates the channel and starts connecting in the background.
func Dial(addr string, tlsOpts TLSOptions, src CredentialSource, log *zap.Logger) (*GRPCChannel, error) {
	creds, err := tlsOpts.credentials()
	if err != nil {
		return nil, fmt.Errorf("realtime tls: %w", err)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if src != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{src: src, secure: !tlsOpts.Plaintext}))
	}
	ch := newChannel(func() (conn, error) { return grpc.NewClient(addr, opts...) }, log)
	if err := ch.connect(); err != nil {
		return nil, err
	}
	return ch, nil
}

func newChannel(dial func() (conn, error), log *zap.Logger) *GRPCChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCChannel{log: log, dial: dial}
}

func (c *GRPCChannel) connect() error {
	cc, err := c.dial()
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}
	cc.Connect()
	c.mu.Lock()
	c.cc = cc
	c.mu.Unlock()
	return nil
}

func (c *GRPCChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cc != nil && c.cc.GetState() == connectivity.Ready
}

// Disconnect closes the connection. Further calls are no-ops.
func (c *GRPCChannel) Disconnect() error {
	c.mu.Lock()
	cc := c.cc
	c.cc = nil
	c.mu.Unlock()
	if cc == nil {
		return nil
	}
	return cc.Close()
}

// Reconnect replaces the connection so new streams carry the current credentials.
func (c *GRPCChannel) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Disconnect(); err != nil {
		c.log.Debug("realtime close before reconnect", zap.Error(err))
	}
	return c.connect()
}

// Check asks the endpoint's health service whether Service is serving. The
// call carries the credentials current at call time.
func (c *GRPCChannel) Check(ctx context.Context) error {
	c.mu.Lock()
	cc := c.cc
	c.mu.Unlock()
	ci, ok := cc.(grpc.ClientConnInterface)
	if !ok {
		return ErrNotConnected
	}
	resp, err := healthpb.NewHealthClient(ci).Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return fmt.Errorf("realtime check: %w", err)
	}
	if st := resp.GetStatus(); st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("realtime check: %s", st)
	}
	return nil
}
