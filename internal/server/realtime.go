package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/lorenzkrinner/gitfix/internal/stream"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// Frame encodings accepted by the WebSocket endpoint.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// subscribe verifies the token query parameter and opens a subscription for
// the channel and topics it grants.
func (s *Server) subscribe(ctx context.Context, r *http.Request) (api.Subscription, string, error) {
	claims, err := s.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		return nil, "", err
	}
	sub, err := s.eng.Subscribe(ctx, claims.InstanceID, claims.Topics)
	if err != nil {
		return nil, "", err
	}
	return sub, claims.InstanceID, nil
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}
	sub, instanceID, err := s.subscribe(r.Context(), r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	log := s.logger.With(slog.String("instance_id", instanceID), slog.String("transport", "sse"))
	log.DebugContext(r.Context(), "stream opened")
	defer log.DebugContext(r.Context(), "stream closed")

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.WarnContext(r.Context(), "encode stream message", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	encoding := r.URL.Query().Get("encoding")
	if encoding == "" {
		encoding = EncodingJSON
	}
	if encoding != EncodingJSON && encoding != EncodingMsgpack {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "encoding must be json or msgpack"})
		return
	}

	// The hijacked connection outlives r.Context's usefulness, so the
	// subscription gets its own context tied to the read loop.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub, instanceID, err := s.subscribe(ctx, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	log := s.logger.With(slog.String("instance_id", instanceID), slog.String("transport", "ws"), slog.String("encoding", encoding))
	log.DebugContext(ctx, "stream opened")
	defer log.DebugContext(ctx, "stream closed")

	// Clients never send data frames; the loop only notices the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		case msg, ok := <-sub.C():
			if !ok {
				_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
				return
			}
			op, data, err := encodeFrame(encoding, msg)
			if err != nil {
				log.WarnContext(ctx, "encode stream message", slog.Any("error", err))
				continue
			}
			if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
				return
			}
		}
	}
}

func encodeFrame(encoding string, msg api.StreamMessage) (ws.OpCode, []byte, error) {
	if encoding == EncodingMsgpack {
		data, err := stream.MarshalMsgpack(msg)
		return ws.OpBinary, data, err
	}
	data, err := json.Marshal(msg)
	return ws.OpText, data, err
}
