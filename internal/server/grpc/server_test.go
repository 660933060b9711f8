package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/goph-identity/internal/devbackend"
	"github.com/and161185/goph-identity/internal/realtime"
)

type creds struct{ tok, profile string }

func (c creds) CurrentAccessToken() string { return c.tok }
func (c creds) ProfileID() string          { return c.profile }

func issue(t *testing.T, iss *devbackend.Issuer, profileID string) string {
	t.Helper()
	u := &devbackend.User{ID: "u1", Phone: "+15550100"}
	pair, err := iss.Issue(u, &devbackend.Profile{ID: profileID, EntityID: "e-" + profileID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return pair.AccessToken
}

func serve(t *testing.T, iss *devbackend.Issuer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, _ := New(iss, zaptest.NewLogger(t))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func check(t *testing.T, addr string, c creds) error {
	t.Helper()
	ch, err := realtime.Dial(addr, realtime.TLSOptions{Plaintext: true}, c, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Disconnect() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ch.Check(ctx)
}

func TestRealtimeHealth_Authenticated(t *testing.T) {
	t.Parallel()
	iss := devbackend.NewIssuer([]byte("grpc-test-key"), time.Hour, 0, nil)
	addr := serve(t, iss)

	if err := check(t, addr, creds{tok: issue(t, iss, "p1"), profile: "p1"}); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestRealtimeHealth_Rejections(t *testing.T) {
	t.Parallel()
	iss := devbackend.NewIssuer([]byte("grpc-test-key"), time.Hour, 0, nil)
	addr := serve(t, iss)
	foreign := devbackend.NewIssuer([]byte("other-key"), time.Hour, 0, nil)

	cases := []struct {
		name string
		c    creds
		want codes.Code
	}{
		{"no token", creds{}, codes.Unauthenticated},
		{"foreign signature", creds{tok: issue(t, foreign, "p1")}, codes.Unauthenticated},
		{"stale profile header", creds{tok: issue(t, iss, "p2"), profile: "p1"}, codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := check(t, addr, tc.c)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("want %s, got %v", tc.want, err)
			}
		})
	}
}
