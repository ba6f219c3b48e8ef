package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wirebus/wirebus/internal/broker"
	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/client"
	"github.com/wirebus/wirebus/internal/pending"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	broker *broker.Memory
	addr   *bus.Addresser
	worker *Worker
}

func newHarness(t *testing.T, service string) *harness {
	t.Helper()
	addr, err := bus.NewAddresser("wirebus", "test")
	if err != nil {
		t.Fatal(err)
	}
	b := broker.NewMemory()
	cl := client.New(service, b, addr, pending.NewRegistry(0, newTestLogger()), newTestLogger())
	w, err := NewWorker(service, nil, b, addr, cl, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	w.popWait = 50 * time.Millisecond
	return &harness{broker: b, addr: addr, worker: w}
}

func (h *harness) enqueue(t *testing.T, service string, env *bus.Envelope) {
	t.Helper()
	q, err := h.addr.ActionQueue(service, env.TenantTier, "")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.broker.Publish(context.Background(), q, raw); err != nil {
		t.Fatal(err)
	}
}

func modelEnvelope(t *testing.T, tier bus.Tier) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.ActionModelAdvance, "agent", "t-1", tier, bus.ModelRequest{
		Messages: []bus.ChatMessage{{Role: bus.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// Higher tiers must drain completely before any lower-tier envelope is
// touched, even when the lower-tier work was enqueued first.
func TestTierPriorityOrder(t *testing.T) {
	h := newHarness(t, "model")
	ctx := context.Background()

	var order []bus.Tier
	h.worker.Register(bus.ActionModelAdvance, func(_ context.Context, env *bus.Envelope) (any, error) {
		order = append(order, env.TenantTier)
		return nil, nil
	})

	const perTier = 5
	for i := 0; i < perTier; i++ {
		h.enqueue(t, "model", modelEnvelope(t, bus.TierFree))
	}
	for i := 0; i < perTier; i++ {
		h.enqueue(t, "model", modelEnvelope(t, bus.TierEnterprise))
	}

	for i := 0; i < 2*perTier; i++ {
		handled, err := h.worker.RunOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !handled {
			t.Fatalf("queue drained early at %d", i)
		}
	}

	for i, tier := range order[:perTier] {
		if tier != bus.TierEnterprise {
			t.Fatalf("position %d served %s before enterprise drained", i, tier)
		}
	}
	for i, tier := range order[perTier:] {
		if tier != bus.TierFree {
			t.Fatalf("position %d expected free, got %s", perTier+i, tier)
		}
	}
	if got := h.worker.Stats().Processed.Load(); got != 2*perTier {
		t.Errorf("processed = %d, want %d", got, 2*perTier)
	}
}

// A handler blocked on an await must not stall dispatch of the next
// envelope: handle runs on worker-owned tasks, not on the pop loop.
func TestBlockedHandlerDoesNotStallDispatch(t *testing.T) {
	h := newHarness(t, "model")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int64
	release := make(chan struct{})
	h.worker.Register(bus.ActionModelAdvance, func(_ context.Context, _ *bus.Envelope) (any, error) {
		started.Add(1)
		<-release
		return nil, nil
	})

	h.enqueue(t, "model", modelEnvelope(t, bus.TierEnterprise))
	h.enqueue(t, "model", modelEnvelope(t, bus.TierEnterprise))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.worker.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for started.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 2 handlers started while the first was blocked", started.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	if got := h.worker.Stats().Processed.Load(); got != 2 {
		t.Errorf("processed = %d, want 2", got)
	}
}

func popErrorReply(t *testing.T, h *harness, replyTo string) (*bus.Envelope, bus.ErrorPayload) {
	t.Helper()
	_, raw, err := h.broker.Pop(context.Background(), []string{replyTo}, time.Second)
	if err != nil {
		t.Fatalf("no reply on %s: %v", replyTo, err)
	}
	env, err := bus.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if env.ActionType != bus.ActionErrorResponse {
		t.Fatalf("reply type = %s, want %s", env.ActionType, bus.ActionErrorResponse)
	}
	var payload bus.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatal(err)
	}
	return env, payload
}

func TestInvalidEnvelopeRejectedWithErrorReply(t *testing.T) {
	h := newHarness(t, "model")

	env := modelEnvelope(t, bus.TierFree)
	env.CallbackQueueName = "wirebus:test:agent:callbacks:query" // no action type: invalid
	env.SetReplyTo("wirebus:test:model:responses:x:c-1")
	h.enqueue(t, "model", env)

	if _, err := h.worker.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	reply, payload := popErrorReply(t, h, env.ReplyTo())
	if payload.Code != "validation" {
		t.Errorf("code = %q, want validation", payload.Code)
	}
	if reply.CorrelationID != env.CorrelationID {
		t.Error("error reply lost the correlation id")
	}
	if got := h.worker.Stats().Rejected.Load(); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestUnknownActionTypeFallback(t *testing.T) {
	h := newHarness(t, "model")
	// No routes registered at all.

	env := modelEnvelope(t, bus.TierFree)
	env.SetReplyTo("wirebus:test:model:responses:x:c-2")
	h.enqueue(t, "model", env)

	if _, err := h.worker.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, payload := popErrorReply(t, h, env.ReplyTo())
	if payload.Code != "validation" {
		t.Errorf("code = %q, want validation", payload.Code)
	}
	if !strings.Contains(payload.Message, "does not handle") {
		t.Errorf("message %q does not name the unhandled type", payload.Message)
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	h := newHarness(t, "model")
	h.worker.Register(bus.ActionModelAdvance, func(_ context.Context, _ *bus.Envelope) (any, error) {
		return nil, errors.New("backend unavailable")
	})

	env := modelEnvelope(t, bus.TierFree)
	env.SetReplyTo("wirebus:test:model:responses:x:c-3")
	h.enqueue(t, "model", env)

	if _, err := h.worker.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, payload := popErrorReply(t, h, env.ReplyTo())
	if payload.Code != "handler" {
		t.Errorf("code = %q, want handler", payload.Code)
	}
	if !strings.Contains(payload.Message, "backend unavailable") {
		t.Errorf("message %q lost the cause", payload.Message)
	}
	if got := h.worker.Stats().Failed.Load(); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestPanickingHandlerDeadLetters(t *testing.T) {
	h := newHarness(t, "model")
	h.worker.Register(bus.ActionModelAdvance, func(_ context.Context, _ *bus.Envelope) (any, error) {
		panic("boom")
	})

	env := modelEnvelope(t, bus.TierFree)
	env.SetReplyTo("wirebus:test:model:responses:x:c-4")
	h.enqueue(t, "model", env)

	if _, err := h.worker.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The caller still gets an error reply; the envelope lands in the
	// dead-letter queue for inspection.
	_, payload := popErrorReply(t, h, env.ReplyTo())
	if !strings.Contains(payload.Message, "panic") {
		t.Errorf("message %q does not mention the panic", payload.Message)
	}

	dead, err := h.addr.DeadLetterQueue("model")
	if err != nil {
		t.Fatal(err)
	}
	if h.broker.Len(dead) != 1 {
		t.Errorf("dead-letter queue len = %d, want 1", h.broker.Len(dead))
	}
}

func TestUndecodablePayloadDeadLetters(t *testing.T) {
	h := newHarness(t, "model")

	q, err := h.addr.ActionQueue("model", bus.TierFree, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.broker.Publish(context.Background(), q, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.worker.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	dead, err := h.addr.DeadLetterQueue("model")
	if err != nil {
		t.Fatal(err)
	}
	if h.broker.Len(dead) != 1 {
		t.Errorf("dead-letter queue len = %d, want 1", h.broker.Len(dead))
	}
	if got := h.worker.Stats().DeadLetter.Load(); got != 1 {
		t.Errorf("dead-letter count = %d, want 1", got)
	}
}

func TestCallbackResultDelivery(t *testing.T) {
	h := newHarness(t, "agent")
	ctx := context.Background()

	h.worker.Register(bus.ActionQueryGenerate, func(_ context.Context, _ *bus.Envelope) (any, error) {
		return bus.QueryResult{SessionID: "s-1", Content: "answer"}, nil
	})

	env, err := bus.NewEnvelope(bus.ActionQueryGenerate, "gateway", "t-1", bus.TierProfessional, bus.QueryRequest{
		SessionID: "s-1",
		Query:     "q",
	})
	if err != nil {
		t.Fatal(err)
	}
	cbQueue, err := h.addr.CallbackQueue("gateway", "query", "")
	if err != nil {
		t.Fatal(err)
	}
	env.CallbackQueueName = cbQueue
	env.CallbackActionType = string(bus.ActionQueryComplete)
	h.enqueue(t, "agent", env)

	if _, err := h.worker.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	_, raw, err := h.broker.Pop(ctx, []string{cbQueue}, time.Second)
	if err != nil {
		t.Fatalf("no callback delivered: %v", err)
	}
	cb, err := bus.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if cb.ActionType != bus.ActionQueryComplete {
		t.Errorf("callback type = %s", cb.ActionType)
	}
	if cb.TaskID != env.TaskID {
		t.Error("callback lost the task id")
	}
	var result bus.QueryResult
	if err := json.Unmarshal(cb.Data, &result); err != nil {
		t.Fatal(err)
	}
	if result.Content != "answer" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestPseudoSyncReplyUsesResultType(t *testing.T) {
	h := newHarness(t, "model")
	ctx := context.Background()

	h.worker.Register(bus.ActionModelAdvance, func(_ context.Context, _ *bus.Envelope) (any, error) {
		return bus.ModelResponse{Message: bus.ChatMessage{Role: bus.RoleAssistant, Content: "ok"}}, nil
	})

	env := modelEnvelope(t, bus.TierAdvance)
	env.SetReplyTo("wirebus:test:agent:responses:model.advance:c-5")
	h.enqueue(t, "model", env)

	if _, err := h.worker.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	_, raw, err := h.broker.Pop(ctx, []string{env.ReplyTo()}, time.Second)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	reply, err := bus.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if want := bus.ActionModelAdvance.ResultType(); reply.ActionType != want {
		t.Errorf("reply type = %s, want %s", reply.ActionType, want)
	}
	if err := reply.Validate(); err != nil {
		t.Errorf("reply does not validate: %v", err)
	}
	if reply.CorrelationID != env.CorrelationID {
		t.Error("reply lost the correlation id")
	}
}
