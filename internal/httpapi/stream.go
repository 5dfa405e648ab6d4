package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"diffusiond/internal/manager"
	"diffusiond/internal/state"
	"diffusiond/pkg/types"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin access is governed by the CORS settings.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ndjson writes one JSON document per line and flushes after each.
type ndjson struct {
	enc   *json.Encoder
	flush func()
}

func newNDJSON(w http.ResponseWriter, r *http.Request) *ndjson {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	out := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{rid: middleware.GetReqID(r.Context())})
	}
	n := &ndjson{enc: json.NewEncoder(out), flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		n.flush = f.Flush
	}
	return n
}

func (n *ndjson) send(v any) error {
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	n.flush()
	return nil
}

// streamRun forwards the phases of one request until it ends. A client that
// disconnects mid-run cancels the generation.
func (s *server) streamRun(w http.ResponseWriter, r *http.Request, sub *state.Subscription[manager.Phase], tk manager.Ticket) {
	out := newNDJSON(w, r)
	if err := out.send(types.GenerateResponse{RequestID: tk.RequestID, Seed: tk.Seed}); err != nil {
		s.Engine.Cancel(tk.RequestID)
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			if r.Context().Err() != nil && s.Engine.Cancel(tk.RequestID) {
				zlog.Info().Str("request_id", tk.RequestID).Msg("generate event=client_gone")
			}
			return
		}
		if p.RequestID != tk.RequestID {
			continue
		}
		if err := out.send(manager.ToPhaseEvent(p)); err != nil {
			s.Engine.Cancel(tk.RequestID)
			return
		}
		// a Ready tagged with this request means it was cancelled
		if p.Terminal() || p.Kind == manager.PhaseReady {
			return
		}
	}
}

// handleEvents streams every phase as NDJSON until the client leaves.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.Engine.Subscribe()
	defer sub.Close()
	out := newNDJSON(w, r)
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := out.send(manager.ToPhaseEvent(p)); err != nil {
			return
		}
	}
}

// handleWS streams every phase as a websocket text message.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Debug().Err(err).Msg("ws event=upgrade_failed")
		return
	}
	defer conn.Close()
	sub := s.Engine.Subscribe()
	defer sub.Close()
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	// Reads only detect the client going away and keep pongs flowing.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					zlog.Debug().Err(err).Msg("ws event=read_error")
				}
				return
			}
		}
	}()
	go func() {
		t := time.NewTicker(wsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		p, err := sub.Next(ctx)
		if err != nil {
			break
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(manager.ToPhaseEvent(p)); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
}
