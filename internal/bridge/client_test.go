package bridge

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/warelink/warelink/internal/testutil/testlog"
	"github.com/warelink/warelink/internal/tracker"
	"github.com/warelink/warelink/internal/wire"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func startTracker(t *testing.T) (*tracker.Service, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := tracker.DefaultConfig()
	cfg.AdminAddr = ""
	cfg.HeartbeatInterval = time.Minute
	svc := tracker.NewService(cfg)
	t.Cleanup(svc.Engine().Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, ln.Addr().String()
}

func startClient(t *testing.T, addr string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TrackerAddr = addr
	cfg.Reconnect.InitialDelay = 20 * time.Millisecond
	cfg.Reconnect.Jitter = false
	client := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		client.Close()
	})

	deadline := time.Now().Add(3 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never connected to %s", addr)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return client
}

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	svc, addr := startTracker(t)
	client := startClient(t, addr)

	ctx := context.Background()
	resp, err := client.Request(ctx, wire.TypePackageReceived, map[string]any{
		"packageId": "PKG001",
		"clientId":  "C1",
		"orderId":   "O1",
		"items":     []string{"a"},
		"address":   "Addr",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("response mismatch: %+v", resp)
	}
	if _, err := svc.Engine().Track("PKG001"); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Read path: status query over the same connection.
	resp, err = client.Request(ctx, wire.TypeStatusRequest, map[string]any{
		"query":     "track",
		"packageId": "PKG001",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	pkg, ok := resp["package"].(map[string]any)
	if !ok || pkg["packageId"] != "PKG001" {
		t.Fatalf("track payload mismatch: %+v", resp)
	}
	if client.PendingCount() != 0 {
		t.Fatalf("pending count got %d", client.PendingCount())
	}
}

func TestRequestRemoteDomainError(t *testing.T) {
	testlog.Start(t)
	_, addr := startTracker(t)
	client := startClient(t, addr)

	_, err := client.Request(context.Background(), wire.TypePackagePicked, map[string]any{
		"packageId": "PKG404",
	}, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Kind != "not_found" {
		t.Fatalf("kind got %q", remote.Kind)
	}
}

// silentServer accepts connections and drains bytes without ever replying.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestRequestTimeoutCleansPendingSet(t *testing.T) {
	testlog.Start(t)
	addr := silentServer(t)
	client := startClient(t, addr)

	start := time.Now()
	_, err := client.Request(context.Background(), wire.TypeStatusRequest, map[string]any{
		"query": "stats",
	}, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout fired at %v", elapsed)
	}
	if client.PendingCount() != 0 {
		t.Fatalf("pending count got %d", client.PendingCount())
	}
}

func TestLateResponseAfterTimeoutIsDiscarded(t *testing.T) {
	testlog.Start(t)
	_, addr := startTracker(t)
	client := startClient(t, addr)

	// Time the request out against the live tracker with a sub-RTT timeout,
	// then confirm the late STS_RSP is discarded and does not disturb the
	// next call.
	_, err := client.Request(context.Background(), wire.TypeStatusRequest, map[string]any{
		"query": "stats",
	}, time.Nanosecond)
	if err != nil && !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout or fast success, got %v", err)
	}

	// Give the late response time to arrive and be discarded.
	time.Sleep(100 * time.Millisecond)
	if client.PendingCount() != 0 {
		t.Fatalf("pending count got %d", client.PendingCount())
	}

	resp, err := client.Request(context.Background(), wire.TypeStatusRequest, map[string]any{
		"query": "stats",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("follow-up response mismatch: %+v", resp)
	}
}

func TestConnectionLossFailsOutstandingRequests(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	client := startClient(t, ln.Addr().String())
	serverConn := <-accepted

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), wire.TypeStatusRequest, map[string]any{
			"query": "stats",
		}, 5*time.Second)
		errCh <- err
	}()

	// Wait for the request frame, then reset the connection underneath it.
	buf := make([]byte, 4096)
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := serverConn.Read(buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	_ = serverConn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("request blocked past connection loss")
	}
	if client.PendingCount() != 0 {
		t.Fatalf("pending count got %d", client.PendingCount())
	}
}

func TestReconnectAfterTrackerRestart(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	cfg := tracker.DefaultConfig()
	cfg.AdminAddr = ""
	cfg.HeartbeatInterval = time.Minute
	first := tracker.NewService(cfg)
	t.Cleanup(first.Engine().Close)
	firstCtx, firstCancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- first.Serve(firstCtx, ln) }()

	client := startClient(t, addr)

	// Drop the tracker; the client should fall back to dialing.
	firstCancel()
	<-firstDone
	deadline := time.Now().Add(3 * time.Second)
	for client.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never noticed tracker loss")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Bring a fresh tracker up on the same address.
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	second := tracker.NewService(cfg)
	t.Cleanup(second.Engine().Close)
	secondCtx, secondCancel := context.WithCancel(context.Background())
	secondDone := make(chan error, 1)
	go func() { secondDone <- second.Serve(secondCtx, ln2) }()
	t.Cleanup(func() {
		secondCancel()
		<-secondDone
	})

	deadline = time.Now().Add(5 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := client.Request(context.Background(), wire.TypeStatusRequest, map[string]any{
		"query": "stats",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("response mismatch: %+v", resp)
	}
}
