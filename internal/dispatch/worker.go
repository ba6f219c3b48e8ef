// Package dispatch runs the per-service consumption loops. A worker
// pops envelopes from priority-ordered queues, routes them to typed
// handlers, and turns handler failures into error envelopes instead of
// crashing the loop.
//
// Handlers must be idempotent-safe: a crash between pop and completion
// can cause redelivery. Handlers with external side effects must use
// atomic increment primitives, never read-modify-write.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wirebus/wirebus/internal/broker"
	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/client"
)

const (
	defaultPopWait = time.Second

	// defaultConcurrency bounds how many handlers run at once. Handlers
	// issue pseudo-synchronous calls, so they must never execute on the
	// pop loop's goroutine: one awaiting handler would stall every queue
	// the worker serves.
	defaultConcurrency = 8
)

// Handler processes one validated envelope and returns the result
// payload for the reply, or an error to be converted into an error
// envelope.
type Handler func(ctx context.Context, env *bus.Envelope) (any, error)

// Stats counts worker outcomes. Counters are atomic because a service
// may run several workers over the same Stats.
type Stats struct {
	Processed  atomic.Int64
	Failed     atomic.Int64
	Rejected   atomic.Int64
	DeadLetter atomic.Int64
}

// Worker is one consumption loop over a fixed, priority-ordered list
// of queue addresses.
type Worker struct {
	service     string
	addresses   []string
	deadQueue   string
	broker      broker.Broker
	client      *client.Client
	routes      map[bus.ActionType]Handler
	popWait     time.Duration
	concurrency int
	stats       *Stats
	logger      *slog.Logger
}

// NewWorker builds the action-inbox worker for a service. Queues are
// popped highest tier first; lower tiers are only reached when every
// higher tier's queue is empty, so paying tiers never starve behind
// free traffic while idle capacity still serves it.
func NewWorker(service string, tiers []bus.Tier, b broker.Broker, addr *bus.Addresser, cl *client.Client, logger *slog.Logger) (*Worker, error) {
	if len(tiers) == 0 {
		tiers = bus.TiersByPriority
	}
	addresses := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		q, err := addr.ActionQueue(service, tier, "")
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, q)
	}
	dead, err := addr.DeadLetterQueue(service)
	if err != nil {
		return nil, err
	}
	return newWorker(service, addresses, dead, b, cl, logger), nil
}

// NewCallbackWorker builds a worker over a service's long-lived
// callback queues for the given event names.
func NewCallbackWorker(service string, events []string, b broker.Broker, addr *bus.Addresser, cl *client.Client, logger *slog.Logger) (*Worker, error) {
	addresses := make([]string, 0, len(events))
	for _, event := range events {
		q, err := addr.CallbackQueue(service, event, "")
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, q)
	}
	dead, err := addr.DeadLetterQueue(service)
	if err != nil {
		return nil, err
	}
	return newWorker(service, addresses, dead, b, cl, logger), nil
}

func newWorker(service string, addresses []string, dead string, b broker.Broker, cl *client.Client, logger *slog.Logger) *Worker {
	return &Worker{
		service:     service,
		addresses:   addresses,
		deadQueue:   dead,
		broker:      b,
		client:      cl,
		routes:      make(map[bus.ActionType]Handler),
		popWait:     defaultPopWait,
		concurrency: defaultConcurrency,
		stats:       &Stats{},
		logger:      logger.With("component", "dispatch", "service", service),
	}
}

// SetConcurrency bounds how many handlers Run executes at once.
// Non-positive values are ignored. Must be called before Run.
func (w *Worker) SetConcurrency(n int) {
	if n > 0 {
		w.concurrency = n
	}
}

// Register routes an action type to a handler. Registering after Run
// has started is a programming error.
func (w *Worker) Register(action bus.ActionType, h Handler) {
	w.routes[action] = h
}

// Stats exposes the worker's counters.
func (w *Worker) Stats() *Stats {
	return w.stats
}

// Run consumes until ctx is cancelled. Pops stay on this goroutine so
// queue priority is preserved; each popped envelope is handed to a
// worker-owned task, so a handler blocked on a pseudo-synchronous
// await never stalls dispatch of the next envelope. The task limit
// provides backpressure: pops pause while every task is busy. Pop
// errors other than an empty window are logged and retried; the loop
// itself never dies to a handler failure.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queues", len(w.addresses), "concurrency", w.concurrency)

	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		default:
		}

		_, payload, err := w.broker.Pop(ctx, w.addresses, w.popWait)
		if err != nil {
			if err == broker.ErrNoMessage {
				continue
			}
			if ctx.Err() != nil {
				_ = g.Wait()
				w.logger.Info("worker stopped")
				return ctx.Err()
			}
			w.logger.Error("pop failed", "error", err)
			continue
		}

		g.Go(func() error {
			w.handle(ctx, payload)
			return nil
		})
	}
}

// RunOnce pops and handles at most one envelope. Test helper and
// building block for drain loops.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	_, payload, err := w.broker.Pop(ctx, w.addresses, w.popWait)
	if err != nil {
		if err == broker.ErrNoMessage {
			return false, nil
		}
		return false, err
	}
	w.handle(ctx, payload)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, payload []byte) {
	env, err := bus.Decode(payload)
	if err != nil {
		w.stats.Rejected.Add(1)
		w.logger.Error("undecodable envelope dead-lettered", "error", err)
		_ = w.broker.Publish(ctx, w.deadQueue, payload)
		w.stats.DeadLetter.Add(1)
		return
	}

	log := w.logger.With(
		"action", env.ActionType,
		"task_id", env.TaskID,
		"trace_id", env.TraceID,
	)

	// Validation failures are rejected at the boundary; business logic
	// never sees them.
	if err := env.Validate(); err != nil {
		w.stats.Rejected.Add(1)
		log.Warn("envelope rejected", "error", err)
		w.respondError(ctx, env, "validation", err)
		return
	}

	h, ok := w.routes[env.ActionType]
	if !ok {
		// The single explicit unknown-type fallback.
		w.stats.Rejected.Add(1)
		log.Warn("no handler for action type")
		w.respondError(ctx, env, "validation", fmt.Errorf("service %s does not handle %s", w.service, env.ActionType))
		return
	}

	result, err := w.invoke(ctx, env, h)
	if err != nil {
		w.stats.Failed.Add(1)
		log.Error("handler failed", "error", err)
		w.respondError(ctx, env, "handler", err)
		return
	}

	w.stats.Processed.Add(1)
	w.deliver(ctx, env, result, log)
}

// invoke runs the handler with panic containment. A panicking handler
// dead-letters the envelope and reports the failure like any other
// handler error.
func (w *Worker) invoke(ctx context.Context, env *bus.Envelope, h Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			if raw, encErr := env.Encode(); encErr == nil {
				_ = w.broker.Publish(ctx, w.deadQueue, raw)
				w.stats.DeadLetter.Add(1)
			}
		}
	}()
	return h(ctx, env)
}

// deliver routes the handler result back to the caller: a fresh
// envelope to the callback queue for callback-style requests, a reply
// into the ephemeral response address for pseudo-sync requests, and
// nothing for fire-and-forget.
func (w *Worker) deliver(ctx context.Context, env *bus.Envelope, result any, log *slog.Logger) {
	switch {
	case env.HasCallback():
		if result == nil {
			return
		}
		if err := w.client.Callback(ctx, env, result); err != nil {
			log.Error("callback delivery failed", "queue", env.CallbackQueueName, "error", err)
		}
	case env.ReplyTo() != "":
		resp := w.replyEnvelope(env, env.ActionType.ResultType(), result)
		if resp == nil {
			return
		}
		if err := w.client.Reply(ctx, env, resp); err != nil {
			log.Error("reply delivery failed", "error", err)
		}
	default:
		// Fire-and-forget; the result, if any, is dropped.
	}
}

func (w *Worker) respondError(ctx context.Context, env *bus.Envelope, code string, cause error) {
	payload := bus.ErrorPayload{Code: code, Message: cause.Error(), At: time.Now().UTC()}
	resp := w.replyEnvelope(env, bus.ActionErrorResponse, payload)
	if resp == nil {
		return
	}

	switch {
	case env.ReplyTo() != "":
		if err := w.client.Reply(ctx, env, resp); err != nil {
			w.logger.Error("error reply delivery failed", "error", err)
		}
	case env.HasCallback():
		raw, err := resp.Encode()
		if err != nil {
			return
		}
		if err := w.broker.Publish(ctx, env.CallbackQueueName, raw); err != nil {
			w.logger.Error("error callback delivery failed", "error", err)
		}
	default:
		// No return path; keep the envelope inspectable.
		if raw, err := env.Encode(); err == nil {
			_ = w.broker.Publish(ctx, w.deadQueue, raw)
			w.stats.DeadLetter.Add(1)
		}
	}
}

// replyEnvelope builds a response envelope: fresh action id, the
// request's task and correlation ids preserved, trace id propagated.
func (w *Worker) replyEnvelope(env *bus.Envelope, action bus.ActionType, data any) *bus.Envelope {
	resp, err := bus.NewEnvelope(action, w.service, env.TenantID, env.TenantTier, data)
	if err != nil {
		w.logger.Error("building reply failed", "error", err)
		return nil
	}
	resp.TaskID = env.TaskID
	resp.CorrelationID = env.CorrelationID
	resp.TraceID = env.TraceID
	return resp
}
