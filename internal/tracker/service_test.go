package tracker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/warelink/warelink/internal/testutil/testlog"
	"github.com/warelink/warelink/internal/wire"
)

type protoClient struct {
	nc  net.Conn
	dec wire.StreamDecoder
}

func dialTracker(t *testing.T, addr string) *protoClient {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return &protoClient{nc: nc}
}

func (p *protoClient) send(t *testing.T, frameType string, payload map[string]any) {
	t.Helper()
	b, err := wire.Encode(frameType, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := p.nc.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *protoClient) next(t *testing.T, timeout time.Duration) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		fr, err := p.dec.Next()
		if err == nil {
			return fr
		}
		if !errors.Is(err, wire.ErrIncomplete) {
			t.Fatalf("decode: %v", err)
		}
		_ = p.nc.SetReadDeadline(deadline)
		n, err := p.nc.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		p.dec.Feed(buf[:n])
	}
}

func (p *protoClient) nextOfType(t *testing.T, frameType string, timeout time.Duration) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("no %s frame before deadline", frameType)
		}
		fr := p.next(t, remaining)
		if fr.Type == frameType {
			return fr
		}
	}
}

func startService(t *testing.T) (*Service, string, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := DefaultConfig()
	cfg.AdminAddr = ""
	cfg.HeartbeatInterval = time.Minute
	svc := NewService(cfg)
	t.Cleanup(svc.Engine().Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve exit err: %v", err)
		}
	})
	return svc, ln.Addr().String(), cancel
}

func TestServeWelcomeAndReceiveFlow(t *testing.T) {
	testlog.Start(t)
	svc, addr, _ := startService(t)

	client := dialTracker(t, addr)
	welcome := client.next(t, 2*time.Second)
	if welcome.Type != wire.TypeStatusResponse || welcome.Payload["status"] != "connected" {
		t.Fatalf("welcome mismatch: %+v", welcome)
	}

	client.send(t, wire.TypePackageReceived, map[string]any{
		"correlationId": "corr-1",
		"packageId":     "PKG001",
		"clientId":      "C1",
		"orderId":       "O1",
		"items":         []string{"a", "b"},
		"address":       "Addr",
	})

	if fr := client.nextOfType(t, wire.TypeAck, 2*time.Second); fr.Payload["correlationId"] != "corr-1" {
		t.Fatalf("ack mismatch: %+v", fr.Payload)
	}
	resp := client.nextOfType(t, wire.TypeStatusResponse, 2*time.Second)
	if resp.Payload["status"] != "ok" {
		t.Fatalf("response mismatch: %+v", resp.Payload)
	}

	pkg, err := svc.Engine().Track("PKG001")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(pkg.Events) != 1 {
		t.Fatalf("history length got %d", len(pkg.Events))
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	testlog.Start(t)
	svc, addr, _ := startService(t)

	const n = 4
	clients := make([]*protoClient, 0, n)
	for i := 0; i < n; i++ {
		c := dialTracker(t, addr)
		if fr := c.next(t, 2*time.Second); fr.Type != wire.TypeStatusResponse {
			t.Fatalf("welcome type got %q", fr.Type)
		}
		clients = append(clients, c)
	}

	if _, err := svc.Engine().Receive("PKG001", "C1", "O1", nil, "Addr"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := svc.Engine().Store("PKG001", "A1"); err != nil {
		t.Fatalf("store: %v", err)
	}

	for i, c := range clients {
		fr := c.nextOfType(t, wire.TypePackageStored, 2*time.Second)
		if fr.Payload["packageId"] != "PKG001" {
			t.Fatalf("client %d: broadcast payload mismatch: %+v", i, fr.Payload)
		}
	}
}

func TestMalformedFrameDegradesOnlyThatExchange(t *testing.T) {
	testlog.Start(t)
	svc, addr, _ := startService(t)

	bystander := dialTracker(t, addr)
	bystander.next(t, 2*time.Second) // welcome

	offender := dialTracker(t, addr)
	offender.next(t, 2*time.Second) // welcome
	if _, err := offender.nc.Write([]byte("definitely not a protocol frame")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if fr := offender.nextOfType(t, wire.TypeErr, 2*time.Second); fr.Payload["kind"] != "protocol" {
		t.Fatalf("expected protocol error, got %+v", fr.Payload)
	}

	// The bystander still gets lifecycle broadcasts.
	if _, err := svc.Engine().Receive("PKG002", "C2", "O2", nil, "Addr"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if fr := bystander.nextOfType(t, wire.TypePackageReceived, 2*time.Second); fr.Payload["packageId"] != "PKG002" {
		t.Fatalf("bystander broadcast mismatch: %+v", fr.Payload)
	}
}

func TestServeShutsDownCleanly(t *testing.T) {
	testlog.Start(t)
	svc, addr, cancel := startService(t)

	client := dialTracker(t, addr)
	client.next(t, 2*time.Second) // welcome

	cancel()

	// The listener and all connections close; reads unblock with an error.
	_ = client.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		if _, err := client.nc.Read(buf); err != nil {
			break
		}
	}
	if svc.Hub().ConnCount() != 0 {
		t.Fatalf("expected empty registry after shutdown, got %d", svc.Hub().ConnCount())
	}
}
