package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/warelink/warelink/internal/observability"
	"github.com/warelink/warelink/internal/wire"
)

var (
	ErrRequestTimeout = errors.New("bridge: request timeout")
	ErrConnectionLost = errors.New("bridge: connection lost")
	ErrClientClosed   = errors.New("bridge: client closed")
)

// RemoteError is a domain error echoed back by the tracker in an ERR_MSG
// frame. Kind is the tracker's error taxonomy label ("not_found",
// "duplicate", "invalid_transition", ...).
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: remote error (%s): %s", e.Kind, e.Message)
}

// Config holds the bridge-side connection and correlation settings.
type Config struct {
	TrackerAddr    string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Reconnect      BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		TrackerAddr:    "127.0.0.1:7700",
		DialTimeout:    3 * time.Second,
		RequestTimeout: 5 * time.Second,
		Reconnect:      DefaultBackoffConfig(),
	}
}

type result struct {
	payload map[string]any
	err     error
}

// pendingRequest is one in-flight correlated exchange. The done channel is
// buffered so the resolver never blocks; resolution is exactly-once because
// an entry is deleted from the pending map before its result is delivered.
type pendingRequest struct {
	correlationID string
	frameType     string
	issuedAt      time.Time
	done          chan result
}

// Client is the correlator: it turns a synchronous Request call into one
// protocol request/response exchange over a shared tracker connection,
// reconnecting with backoff when the link drops.
type Client struct {
	cfg Config
	rng *rand.Rand

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

func NewClient(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Client{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[string]*pendingRequest),
	}
}

// Run dials the tracker and keeps the connection alive until ctx is done,
// reconnecting with bounded exponential backoff. Returns only when ctx ends
// or the retry cap is exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		nc, err := net.DialTimeout("tcp", c.cfg.TrackerAddr, c.cfg.DialTimeout)
		if err != nil {
			attempt++
			if c.cfg.Reconnect.MaxRetries > 0 && attempt > c.cfg.Reconnect.MaxRetries {
				log.Error().Str("addr", c.cfg.TrackerAddr).Int("attempts", attempt-1).Msg("bridge.Run retry cap exhausted")
				return fmt.Errorf("bridge: dial %s: %w", c.cfg.TrackerAddr, err)
			}
			delay := NextBackoffDelay(c.cfg.Reconnect, attempt, c.rng)
			log.Warn().Str("addr", c.cfg.TrackerAddr).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("bridge.Run dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		if !c.setConn(nc) {
			_ = nc.Close()
			return ErrClientClosed
		}
		log.Info().Str("addr", c.cfg.TrackerAddr).Msg("bridge.Run connected")
		c.readLoop(ctx, nc)
		c.dropConn(nc)
	}
}

// Connected reports whether a tracker connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// PendingCount returns the number of requests awaiting resolution.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears down the connection and fails every in-flight request.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	nc := c.conn
	c.conn = nil
	c.mu.Unlock()
	if nc != nil {
		_ = nc.Close()
	}
	c.failPending(ErrClientClosed)
}

// Request sends one correlated frame and blocks until the matching response,
// the timeout, or ctx cancellation. A timeout removes the pending entry; a
// response arriving later is discarded by the read loop.
func (c *Client) Request(ctx context.Context, frameType string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	correlationID := uuid.NewString()

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["correlationId"] = correlationID

	frame, err := wire.Encode(frameType, body)
	if err != nil {
		return nil, err
	}

	req := &pendingRequest{
		correlationID: correlationID,
		frameType:     frameType,
		issuedAt:      time.Now(),
		done:          make(chan result, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	nc := c.conn
	if nc == nil {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending[correlationID] = req
	observability.SetPendingRequests(len(c.pending))
	c.mu.Unlock()

	if err := c.write(nc, frame); err != nil {
		c.abandon(correlationID)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	observability.RecordFrame(frameType, "out")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-req.done:
		c.observe(req, outcomeOf(r.err))
		return r.payload, r.err
	case <-timer.C:
		if c.abandon(correlationID) {
			c.observe(req, "timeout")
			return nil, fmt.Errorf("%w after %v", ErrRequestTimeout, timeout)
		}
		// Lost the race: a response landed between the timer firing and the
		// map cleanup. Deliver it.
		r := <-req.done
		c.observe(req, outcomeOf(r.err))
		return r.payload, r.err
	case <-ctx.Done():
		if c.abandon(correlationID) {
			c.observe(req, "canceled")
			return nil, ctx.Err()
		}
		r := <-req.done
		c.observe(req, outcomeOf(r.err))
		return r.payload, r.err
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	default:
		return "remote_error"
	}
}

func (c *Client) observe(req *pendingRequest, outcome string) {
	observability.RecordBridgeRequest(req.frameType, outcome, time.Since(req.issuedAt))
}

// abandon removes a pending entry if the response has not claimed it yet.
// Returns false when the read loop already resolved the request.
func (c *Client) abandon(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[correlationID]; !ok {
		return false
	}
	delete(c.pending, correlationID)
	observability.SetPendingRequests(len(c.pending))
	return true
}

func (c *Client) write(nc net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = nc.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	_, err := nc.Write(frame)
	return err
}

func (c *Client) setConn(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = nc
	return true
}

// dropConn clears the connection and resolves every outstanding request with
// ErrConnectionLost rather than letting them ride out their timeouts.
func (c *Client) dropConn(nc net.Conn) {
	_ = nc.Close()
	c.mu.Lock()
	if c.conn == nc {
		c.conn = nil
	}
	c.mu.Unlock()
	c.failPending(ErrConnectionLost)
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	abandoned := make([]*pendingRequest, 0, len(c.pending))
	for id, req := range c.pending {
		delete(c.pending, id)
		abandoned = append(abandoned, req)
	}
	observability.SetPendingRequests(0)
	c.mu.Unlock()
	for _, req := range abandoned {
		req.done <- result{err: err}
	}
}

// readLoop decodes inbound frames and routes responses to their pending
// entries until the connection dies or ctx is done.
func (c *Client) readLoop(ctx context.Context, nc net.Conn) {
	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = nc.Close()
		case <-loopDone:
		}
	}()

	var decoder wire.StreamDecoder
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				fr, err := decoder.Next()
				if errors.Is(err, wire.ErrIncomplete) {
					break
				}
				if err != nil {
					observability.RecordDecodeError()
					log.Warn().Err(err).Msg("bridge.readLoop decode failed")
					continue
				}
				observability.RecordFrame(fr.Type, "in")
				c.handleFrame(fr)
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("bridge.readLoop connection lost")
			}
			return
		}
	}
}

func (c *Client) handleFrame(fr wire.Frame) {
	correlationID, _ := fr.Payload["correlationId"].(string)

	switch fr.Type {
	case wire.TypeHeartbeat:
		log.Debug().Any("payload", fr.Payload).Msg("bridge.heartbeat")
		return
	case wire.TypeAck:
		// Transport-level ack; the terminal response is still coming.
		log.Debug().Str("correlation_id", correlationID).Msg("bridge.ack")
		return
	case wire.TypeStatusResponse, wire.TypeErr:
	default:
		// Lifecycle broadcasts fan out to every connection including ours.
		log.Debug().Str("frame_type", fr.Type).Msg("bridge.broadcast observed")
		return
	}

	if correlationID == "" {
		// Welcome frames and other unsolicited status responses.
		log.Debug().Str("frame_type", fr.Type).Any("payload", fr.Payload).Msg("bridge.unsolicited response")
		return
	}

	c.mu.Lock()
	req, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
		observability.SetPendingRequests(len(c.pending))
	}
	c.mu.Unlock()
	if !ok {
		// Resolved already, most likely by timeout. At-most-once: drop it.
		log.Warn().Str("correlation_id", correlationID).Str("frame_type", fr.Type).Msg("bridge.response after resolution, discarding")
		return
	}

	if fr.Type == wire.TypeErr {
		kind, _ := fr.Payload["kind"].(string)
		msg, _ := fr.Payload["error"].(string)
		req.done <- result{err: &RemoteError{Kind: kind, Message: msg}}
		return
	}
	req.done <- result{payload: fr.Payload}
}
