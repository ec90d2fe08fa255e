package hub

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/warelink/warelink/internal/observability"
	"github.com/warelink/warelink/internal/warehouse"
	"github.com/warelink/warelink/internal/wire"
)

// HandleIncoming feeds freshly read bytes into the connection's reassembly
// buffer and processes every complete frame. Decode failures answer ERR_MSG
// and never escalate past this connection; a valid frame is acknowledged with
// ACK_MSG before dispatch.
func (h *Hub) HandleIncoming(c *Conn, b []byte) {
	c.decoder.Feed(b)
	for {
		fr, err := c.decoder.Next()
		if errors.Is(err, wire.ErrIncomplete) {
			return
		}
		if err != nil {
			observability.RecordDecodeError()
			log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("hub.incoming decode failed")
			_ = h.SendTo(c, wire.TypeErr, map[string]any{
				"kind":  "protocol",
				"error": err.Error(),
			})
			continue
		}

		observability.RecordFrame(fr.Type, "in")
		ack := map[string]any{"status": "ok", "frameType": fr.Type}
		cid := payloadString(fr, "correlationId")
		if cid != "" {
			ack["correlationId"] = cid
		}
		if err := h.SendTo(c, wire.TypeAck, ack); err != nil {
			log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("hub.incoming ack write failed")
			h.Unregister(c)
			return
		}
		h.dispatch(c, cid, fr)
	}
}

func (h *Hub) dispatch(c *Conn, cid string, fr wire.Frame) {
	switch fr.Type {
	case wire.TypePackageReceived:
		pkg, err := h.engine.Receive(
			payloadString(fr, "packageId"),
			payloadString(fr, "clientId"),
			payloadString(fr, "orderId"),
			payloadStrings(fr, "items"),
			payloadString(fr, "address"),
		)
		h.replyResult(c, cid, pkg, err)
	case wire.TypePackageStored:
		pkg, err := h.engine.Store(payloadString(fr, "packageId"), payloadString(fr, "location"))
		h.replyResult(c, cid, pkg, err)
	case wire.TypePackagePicked:
		pkg, err := h.engine.Pick(payloadString(fr, "packageId"))
		h.replyResult(c, cid, pkg, err)
	case wire.TypePackageLoaded:
		pkg, err := h.engine.Load(payloadString(fr, "packageId"), payloadString(fr, "vehicleId"))
		h.replyResult(c, cid, pkg, err)
	case wire.TypeStatusRequest:
		h.handleStatusRequest(c, cid, fr)
	default:
		// Responses and heartbeats have no business arriving here.
		log.Warn().Str("remote", c.RemoteAddr()).Str("frame_type", fr.Type).Msg("hub.dispatch dropping unexpected frame")
	}
}

func (h *Hub) handleStatusRequest(c *Conn, cid string, fr wire.Frame) {
	switch query := payloadString(fr, "query"); query {
	case "track":
		pkg, err := h.engine.Track(payloadString(fr, "packageId"))
		h.replyResult(c, cid, pkg, err)
	case "stats":
		stats := h.engine.Statistics()
		h.sendResponse(c, cid, map[string]any{"status": "ok", "stats": stats})
	case "list":
		filter := warehouse.Status(payloadString(fr, "statusFilter"))
		if filter != "" && !filter.Valid() {
			h.sendErr(c, cid, "bad_request", "unknown status filter: "+string(filter))
			return
		}
		h.sendResponse(c, cid, map[string]any{"status": "ok", "packages": h.engine.List(filter)})
	default:
		h.sendErr(c, cid, "bad_request", "unknown status query: "+query)
	}
}

func (h *Hub) replyResult(c *Conn, cid string, pkg warehouse.Package, err error) {
	if err != nil {
		h.sendErr(c, cid, domainErrKind(err), err.Error())
		return
	}
	h.sendResponse(c, cid, map[string]any{"status": "ok", "package": pkg})
}

func (h *Hub) sendResponse(c *Conn, cid string, payload map[string]any) {
	if cid != "" {
		payload["correlationId"] = cid
	}
	if err := h.SendTo(c, wire.TypeStatusResponse, payload); err != nil {
		log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("hub.dispatch response write failed")
		h.Unregister(c)
	}
}

func (h *Hub) sendErr(c *Conn, cid, kind, msg string) {
	payload := map[string]any{"kind": kind, "error": msg}
	if cid != "" {
		payload["correlationId"] = cid
	}
	if err := h.SendTo(c, wire.TypeErr, payload); err != nil {
		log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("hub.dispatch error write failed")
		h.Unregister(c)
	}
}

func domainErrKind(err error) string {
	switch {
	case errors.Is(err, warehouse.ErrPackageNotFound):
		return "not_found"
	case errors.Is(err, warehouse.ErrDuplicatePackage):
		return "duplicate"
	case errors.Is(err, warehouse.ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}

func payloadString(fr wire.Frame, key string) string {
	s, _ := fr.Payload[key].(string)
	return s
}

func payloadStrings(fr wire.Frame, key string) []string {
	raw, _ := fr.Payload[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
