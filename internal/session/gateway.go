package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/wirebus/wirebus/internal/bus"
)

// clientFrame is one inbound websocket message.
type clientFrame struct {
	Type       string `json:"type"` // "query" | "ping"
	Query      string `json:"query,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// ackFrame acknowledges a submitted query. The result arrives later as
// a pushed envelope.
type ackFrame struct {
	Type   string `json:"type"` // "ack" | "pong" | "error"
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Gateway accepts websocket connections, authenticates them, and
// bridges frames to the correlator.
type Gateway struct {
	correlator *Correlator
	table      *Table
	secret     []byte
	logger     *slog.Logger
}

// NewGateway builds the websocket endpoint.
func NewGateway(correlator *Correlator, table *Table, secret []byte, logger *slog.Logger) *Gateway {
	return &Gateway{
		correlator: correlator,
		table:      table,
		secret:     secret,
		logger:     logger.With("component", "gateway"),
	}
}

// ServeHTTP upgrades the connection, verifies the token, flushes any
// spooled results, and serves frames until the client goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	claims, err := ParseToken(g.secret, token)
	if err != nil {
		g.logger.Warn("connection rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	rec := ConnectionRecord{
		ConnectionID: uuid.NewString(),
		SessionID:    claims.SessionID,
		TenantID:     claims.TenantID,
		TenantTier:   claims.TenantTier,
	}
	pusher := &wsPusher{conn: conn}

	ctx := r.Context()
	if err := g.correlator.Reconnect(ctx, rec, pusher); err != nil {
		g.logger.Error("spool flush failed", "session_id", rec.SessionID, "error", err)
	}
	defer g.table.Disconnect(rec.SessionID)

	g.serve(ctx, conn, rec)
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, rec ConnectionRecord) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			g.logger.Debug("read loop ended", "session_id", rec.SessionID, "error", err)
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.write(ctx, conn, ackFrame{Type: "error", Error: "bad frame"})
			continue
		}

		switch frame.Type {
		case "ping":
			g.table.Touch(rec.SessionID)
			g.write(ctx, conn, ackFrame{Type: "pong"})
		case "query":
			ack, err := g.correlator.Submit(ctx, rec, bus.QueryRequest{
				Query:      frame.Query,
				Collection: frame.Collection,
			})
			if err != nil {
				g.logger.Error("submit failed", "session_id", rec.SessionID, "error", err)
				g.write(ctx, conn, ackFrame{Type: "error", Error: err.Error()})
				continue
			}
			g.write(ctx, conn, ackFrame{Type: "ack", TaskID: ack.TaskID})
		default:
			g.write(ctx, conn, ackFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, frame ackFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, raw); err != nil {
		g.logger.Debug("write failed", "error", err)
	}
}

// wsPusher adapts a websocket connection to the Pusher interface.
type wsPusher struct {
	conn *websocket.Conn
}

func (p *wsPusher) Push(ctx context.Context, payload []byte) error {
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.conn.Write(wctx, websocket.MessageText, payload)
}

// Close tells the client the session was dropped for inactivity. The
// idle sweep calls it so completions spool instead of racing a socket
// the table no longer knows about.
func (p *wsPusher) Close() error {
	return p.conn.Close(websocket.StatusGoingAway, "idle timeout")
}
