package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warelink/warelink/internal/observability"
	"github.com/warelink/warelink/internal/warehouse"
	"github.com/warelink/warelink/internal/wire"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

// Hub tracks live protocol connections and fans lifecycle events out to all
// of them. It also answers per-connection requests through HandleIncoming.
type Hub struct {
	engine            *warehouse.Engine
	heartbeatInterval time.Duration
	writeTimeout      time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func New(engine *warehouse.Engine, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Hub{
		engine:            engine,
		heartbeatInterval: heartbeatInterval,
		writeTimeout:      defaultWriteTimeout,
		conns:             make(map[*Conn]struct{}),
	}
}

// Register adds the connection to the live set and sends the welcome status
// response.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	observability.SetConnections(n)

	log.Info().Str("remote", c.RemoteAddr()).Int("connections", n).Msg("hub.register")
	if err := h.SendTo(c, wire.TypeStatusResponse, map[string]any{
		"status":  "connected",
		"message": "warelink tracker ready",
	}); err != nil {
		log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("hub.register welcome write failed")
		h.Unregister(c)
	}
}

// Unregister drops the connection and closes its socket. Safe to call more
// than once; close/error/heartbeat-failure paths all funnel here.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	if !present {
		return
	}
	observability.SetConnections(n)
	c.markClosed()
	_ = c.nc.Close()
	log.Info().Str("remote", c.RemoteAddr()).Int("connections", n).Msg("hub.unregister")
}

// CloseAll unregisters every live connection. Used on shutdown.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		h.Unregister(c)
	}
}

// ConnCount returns the size of the live set.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// snapshot copies the live set so registration churn cannot corrupt a
// broadcast iteration.
func (h *Hub) snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast encodes one frame and writes it to every live connection. A
// write failure unregisters that connection only; other deliveries proceed.
func (h *Hub) Broadcast(frameType string, payload any) {
	b, err := wire.Encode(frameType, payload)
	if err != nil {
		log.Error().Str("frame_type", frameType).Err(err).Msg("hub.broadcast encode failed")
		return
	}
	observability.RecordBroadcast(frameType)

	for _, c := range h.snapshot() {
		if err := c.writeFrame(b, h.writeTimeout); err != nil {
			log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("hub.broadcast write failed")
			h.Unregister(c)
			continue
		}
		observability.RecordFrame(frameType, "out")
	}
}

// SendTo writes one frame to a single connection.
func (h *Hub) SendTo(c *Conn, frameType string, payload any) error {
	b, err := wire.Encode(frameType, payload)
	if err != nil {
		return err
	}
	if err := c.writeFrame(b, h.writeTimeout); err != nil {
		return err
	}
	observability.RecordFrame(frameType, "out")
	return nil
}

// RunHeartbeat broadcasts HBT_CHK at the configured interval while at least
// one connection is live. Blocks until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			conns := h.snapshot()
			if len(conns) == 0 {
				continue
			}
			h.Broadcast(wire.TypeHeartbeat, map[string]any{
				"serverTime":  now.UnixMilli(),
				"connections": len(conns),
			})
			for _, c := range conns {
				c.markHeartbeat(now)
			}
		}
	}
}

// OnPackageEvent implements warehouse.EventSink by fanning the lifecycle
// event out as the matching frame type.
func (h *Hub) OnPackageEvent(pkg warehouse.Package, evt warehouse.Event) {
	frameType, ok := frameTypeForStatus(pkg.Status)
	if !ok {
		log.Error().Str("status", string(pkg.Status)).Msg("hub.event unmapped status")
		return
	}
	h.Broadcast(frameType, map[string]any{
		"packageId":   pkg.PackageID,
		"status":      pkg.Status,
		"eventType":   evt.Type,
		"description": evt.Description,
		"timestamp":   evt.Timestamp.UnixMilli(),
		"location":    evt.Location,
	})
}

func frameTypeForStatus(s warehouse.Status) (string, bool) {
	switch s {
	case warehouse.StatusReceived:
		return wire.TypePackageReceived, true
	case warehouse.StatusStored:
		return wire.TypePackageStored, true
	case warehouse.StatusPicked:
		return wire.TypePackagePicked, true
	case warehouse.StatusLoaded:
		return wire.TypePackageLoaded, true
	default:
		return "", false
	}
}
