package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/client"
)

// QueryEvent names the callback contract between the gateway and the
// agent orchestration.
const QueryEvent = "query"

// Correlator accepts inbound user requests, hands them to the
// downstream orchestration with a callback contract, and routes the
// eventual completion back to the originating connection, or into the
// spool when that connection is gone.
type Correlator struct {
	table  *Table
	spool  *Spool
	client *client.Client
	target string // downstream orchestration service
	logger *slog.Logger
}

// NewCorrelator wires the correlator to its injected table, spool, and
// send client.
func NewCorrelator(table *Table, spool *Spool, cl *client.Client, target string, logger *slog.Logger) *Correlator {
	return &Correlator{
		table:  table,
		spool:  spool,
		client: cl,
		target: target,
		logger: logger.With("component", "correlator"),
	}
}

// Submit mints a task for an inbound user query, binds it to the
// session, and issues the async-callback call downstream. It returns
// the immediate acknowledgment, not the result.
func (c *Correlator) Submit(ctx context.Context, rec ConnectionRecord, query bus.QueryRequest) (*bus.Ack, error) {
	query.SessionID = rec.SessionID

	env, err := bus.NewEnvelope(bus.ActionQueryGenerate, c.client.Service(), rec.TenantID, rec.TenantTier, query)
	if err != nil {
		return nil, err
	}
	env.TaskID = uuid.NewString()

	c.table.BindTask(env.TaskID, rec.SessionID)
	c.table.Touch(rec.SessionID)

	if err := c.client.CallWithCallback(ctx, c.target, QueryEvent, bus.ActionQueryComplete, env); err != nil {
		// Leave no dangling binding behind a failed send.
		c.table.ResolveTask(env.TaskID)
		return nil, fmt.Errorf("submit query: %w", err)
	}

	c.logger.Info("query submitted",
		"task_id", env.TaskID,
		"session_id", rec.SessionID,
		"trace_id", env.TraceID,
	)
	return &bus.Ack{OK: true, TaskID: env.TaskID}, nil
}

// Deliver routes a completion callback to the session that issued the
// task. A disconnected session's result is spooled, never dropped.
func (c *Correlator) Deliver(ctx context.Context, env *bus.Envelope) error {
	sessionID, ok := c.table.ResolveTask(env.TaskID)
	if !ok {
		c.logger.Warn("completion for unknown task", "task_id", env.TaskID)
		return nil
	}

	payload, err := env.Encode()
	if err != nil {
		return err
	}

	pusher, connected := c.table.Lookup(sessionID)
	if !connected {
		c.logger.Info("session gone, spooling result", "task_id", env.TaskID, "session_id", sessionID)
		return c.spool.Enqueue(ctx, sessionID, env.TaskID, payload)
	}

	if err := c.pushOrSpool(ctx, pusher, sessionID, env.TaskID, payload); err != nil {
		return err
	}
	c.logger.Info("result delivered", "task_id", env.TaskID, "session_id", sessionID)
	return nil
}

// Reconnect registers a fresh connection and flushes any spooled
// results for the session in arrival order.
func (c *Correlator) Reconnect(ctx context.Context, rec ConnectionRecord, p Pusher) error {
	c.table.Connect(rec, p)

	entries, err := c.spool.Pending(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := p.Push(ctx, e.Payload); err != nil {
			// The rest stays spooled for the next reconnect.
			return fmt.Errorf("flush spooled result %d: %w", e.ID, err)
		}
		if err := c.spool.Ack(ctx, e.ID); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		c.logger.Info("spooled results flushed", "session_id", rec.SessionID, "count", len(entries))
	}
	return nil
}

func (c *Correlator) pushOrSpool(ctx context.Context, p Pusher, sessionID, taskID string, payload []byte) error {
	if err := p.Push(ctx, payload); err != nil {
		c.logger.Warn("push failed, spooling result", "session_id", sessionID, "error", err)
		return c.spool.Enqueue(ctx, sessionID, taskID, payload)
	}
	return nil
}
