// Package client exposes the send primitives every wirebus service
// uses to talk to collaborators: fire-and-forget, pseudo-synchronous
// call, async-callback call, and notification broadcast. All of them
// reduce to "publish an envelope to a computed address".
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wirebus/wirebus/internal/broker"
	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/pending"
)

const (
	defaultAttempts = 3
	backoffBase     = 50 * time.Millisecond
)

// Client sends envelopes on behalf of one service.
type Client struct {
	service  string
	broker   broker.Broker
	addr     *bus.Addresser
	registry *pending.Registry
	logger   *slog.Logger

	// attempts bounds transient publish retries before the send is
	// declared unroutable.
	attempts int
}

// New creates a client for the named origin service. The pending
// registry is shared with whatever consumes this service's response
// addresses.
func New(service string, b broker.Broker, addr *bus.Addresser, reg *pending.Registry, logger *slog.Logger) *Client {
	return &Client{
		service:  service,
		broker:   b,
		addr:     addr,
		registry: reg,
		logger:   logger.With("component", "client", "service", service),
		attempts: defaultAttempts,
	}
}

// Service returns the origin service name this client sends as.
func (c *Client) Service() string {
	return c.service
}

// Send publishes env to the target service's action inbox and returns
// immediately. No registry entry is created. The envelope's tenant tier
// picks the queue partition; that is the entire priority mechanism.
func (c *Client) Send(ctx context.Context, target string, env *bus.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	queue, err := c.addr.ActionQueue(target, env.TenantTier, "")
	if err != nil {
		return err
	}
	return c.publish(ctx, queue, env)
}

// Call performs a pseudo-synchronous exchange: it mints a fresh
// correlation id, registers a pending call, publishes env with an
// ephemeral reply-to address, and blocks up to timeout for the reply.
// On timeout the entry is deregistered and bus.ErrTimeout returned;
// the call is not retried.
func (c *Client) Call(ctx context.Context, target string, env *bus.Envelope, timeout time.Duration) (*bus.Envelope, error) {
	env.CorrelationID = uuid.NewString()

	replyTo, err := c.addr.ResponseQueue(c.service, string(env.ActionType), env.CorrelationID, "")
	if err != nil {
		return nil, err
	}
	env.SetReplyTo(replyTo)

	if err := env.Validate(); err != nil {
		return nil, err
	}

	call, err := c.registry.Register(env.CorrelationID)
	if err != nil {
		return nil, err
	}

	queue, err := c.addr.ActionQueue(target, env.TenantTier, "")
	if err != nil {
		c.registry.Remove(env.CorrelationID)
		return nil, err
	}
	if err := c.publish(ctx, queue, env); err != nil {
		c.registry.Remove(env.CorrelationID)
		return nil, err
	}

	// Consume the ephemeral response address and resolve the pending
	// call. The registry releases the waiter exactly once; a reply that
	// lands after the timeout finds no entry and is discarded.
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.consumeReply(popCtx, replyTo, env.CorrelationID, timeout)

	reply, err := call.Wait(ctx, timeout)
	if err != nil {
		c.registry.Remove(env.CorrelationID)
		if err == bus.ErrTimeout {
			c.logger.Warn("call timed out",
				"action", env.ActionType,
				"target", target,
				"correlation_id", env.CorrelationID,
				"timeout", timeout,
			)
			return nil, fmt.Errorf("%s to %s: %w", env.ActionType, target, bus.ErrTimeout)
		}
		return nil, err
	}
	return reply, nil
}

func (c *Client) consumeReply(ctx context.Context, replyTo, correlationID string, timeout time.Duration) {
	_, payload, err := c.broker.Pop(ctx, []string{replyTo}, timeout)
	if err != nil {
		return // timed out or cancelled; Wait handles the caller side
	}
	reply, err := bus.Decode(payload)
	if err != nil {
		c.logger.Error("undecodable reply discarded", "address", replyTo, "error", err)
		return
	}
	if !c.registry.Resolve(correlationID, reply) {
		c.logger.Debug("reply arrived after caller gave up", "correlation_id", correlationID)
	}
}

// CallWithCallback publishes env with a long-lived callback contract
// attached and returns immediately. The reply arrives later as a fresh
// envelope on this service's callback queue for event, type-tagged with
// callbackAction.
func (c *Client) CallWithCallback(ctx context.Context, target, event string, callbackAction bus.ActionType, env *bus.Envelope) error {
	cbQueue, err := c.addr.CallbackQueue(c.service, event, "")
	if err != nil {
		return err
	}
	env.CallbackQueueName = cbQueue
	env.CallbackActionType = string(callbackAction)

	if err := env.Validate(); err != nil {
		return err
	}
	queue, err := c.addr.ActionQueue(target, env.TenantTier, "")
	if err != nil {
		return err
	}
	return c.publish(ctx, queue, env)
}

// AwaitTask optionally registers a local wait for a callback, keyed by
// task id rather than correlation id. Whoever consumes the callback
// queue resolves it through the shared registry.
func (c *Client) AwaitTask(taskID string) (*pending.Call, error) {
	return c.registry.Register(taskID)
}

// Reply publishes the worker's response for a pseudo-synchronous
// request to its ephemeral reply-to address.
func (c *Client) Reply(ctx context.Context, req *bus.Envelope, resp *bus.Envelope) error {
	replyTo := req.ReplyTo()
	if replyTo == "" {
		return fmt.Errorf("request %s carries no reply address", req.ActionID)
	}
	return c.publish(ctx, replyTo, resp)
}

// Callback builds the reply envelope for a callback-style request and
// publishes it to the request's declared callback queue.
func (c *Client) Callback(ctx context.Context, req *bus.Envelope, data any) error {
	resp, err := req.Reply(c.service, data)
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	return c.publish(ctx, req.CallbackQueueName, resp)
}

// Notify broadcasts payload on this service's notification channel for
// event. Subscribers that are not listening right now miss it.
func (c *Client) Notify(ctx context.Context, event string, payload any) error {
	channel, err := c.addr.NotificationChannel(c.service, event, "")
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.broker.Broadcast(ctx, channel, raw)
}

// publish encodes and delivers with bounded retry and exponential
// backoff. Exhausting the attempts surfaces as UnroutableError.
func (c *Client) publish(ctx context.Context, address string, env *bus.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = c.broker.Publish(ctx, address, raw); lastErr == nil {
			c.logger.Debug("published",
				"address", address,
				"action", env.ActionType,
				"task_id", env.TaskID,
				"trace_id", env.TraceID,
			)
			return nil
		}
		c.logger.Warn("publish failed, retrying", "address", address, "attempt", attempt+1, "error", lastErr)
	}
	return &bus.UnroutableError{Address: address, Attempts: c.attempts, Err: lastErr}
}
