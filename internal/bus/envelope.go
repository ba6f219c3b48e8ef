// Package bus defines the shared message envelope, queue addressing,
// and per-action payload contracts used by every wirebus service.
// It is dependency-free so that services never import each other's
// internals to agree on wire shapes.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier classifies a tenant's service level. The tier decides which
// action queue an envelope is published to, which is how priority
// admission works: there is no throttling inside the dispatch loop.
type Tier string

const (
	TierFree         Tier = "free"
	TierAdvance      Tier = "advance"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// TiersByPriority lists all tiers highest-priority first. Dispatch
// workers drain queues in this order.
var TiersByPriority = []Tier{TierEnterprise, TierProfessional, TierAdvance, TierFree}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierAdvance, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// Envelope is the unit of communication between services. Every field
// except CallbackQueueName/CallbackActionType is required on the wire.
type Envelope struct {
	ActionID      string     `json:"action_id"`
	ActionType    ActionType `json:"action_type"`
	TaskID        string     `json:"task_id"`
	CorrelationID string     `json:"correlation_id"`
	TraceID       string     `json:"trace_id"`
	OriginService string     `json:"origin_service"`
	TenantID      string     `json:"tenant_id"`
	TenantTier    Tier       `json:"tenant_tier"`

	// CallbackQueueName and CallbackActionType are present together or
	// absent together. Present means the async-callback pattern; absent
	// plus a reply-to address in metadata means pseudo-sync.
	CallbackQueueName  string `json:"callback_queue_name,omitempty"`
	CallbackActionType string `json:"callback_action_type,omitempty"`

	Data     json.RawMessage   `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MetaReplyTo is the metadata key carrying the ephemeral response
// address for pseudo-synchronous calls.
const MetaReplyTo = "reply_to"

// NewEnvelope builds an envelope with fresh action, correlation and
// trace ids. Callers doing multi-hop work overwrite TaskID and TraceID
// with the values of the logical request they belong to.
func NewEnvelope(action ActionType, origin, tenantID string, tier Tier, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return &Envelope{
		ActionID:      uuid.NewString(),
		ActionType:    action,
		TaskID:        uuid.NewString(),
		CorrelationID: uuid.NewString(),
		TraceID:       uuid.NewString(),
		OriginService: origin,
		TenantID:      tenantID,
		TenantTier:    tier,
		Data:          raw,
	}, nil
}

// Derive builds a sub-call envelope for the same logical request:
// fresh action and correlation ids, the parent's task id, trace id,
// and tenant carried over. This is what makes a multi-hop reasoning
// session traceable from one stable task id.
func (e *Envelope) Derive(action ActionType, origin string, data any) (*Envelope, error) {
	sub, err := NewEnvelope(action, origin, e.TenantID, e.TenantTier, data)
	if err != nil {
		return nil, err
	}
	sub.TaskID = e.TaskID
	sub.TraceID = e.TraceID
	return sub, nil
}

// Reply constructs the response envelope for a callback-style request:
// a fresh ActionID, the request's TaskID and CorrelationID preserved,
// the TraceID propagated, and the type set to the request's declared
// callback action type.
func (e *Envelope) Reply(origin string, data any) (*Envelope, error) {
	if e.CallbackQueueName == "" || e.CallbackActionType == "" {
		return nil, fmt.Errorf("envelope %s carries no callback contract", e.ActionID)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal reply data: %w", err)
	}
	return &Envelope{
		ActionID:      uuid.NewString(),
		ActionType:    ActionType(e.CallbackActionType),
		TaskID:        e.TaskID,
		CorrelationID: e.CorrelationID,
		TraceID:       e.TraceID,
		OriginService: origin,
		TenantID:      e.TenantID,
		TenantTier:    e.TenantTier,
		Data:          raw,
	}, nil
}

// HasCallback reports whether the envelope declares the async-callback
// pattern. Either both callback fields are set or neither is; a lone
// field is rejected by Validate.
func (e *Envelope) HasCallback() bool {
	return e.CallbackQueueName != "" && e.CallbackActionType != ""
}

// ReplyTo returns the ephemeral pseudo-sync response address, if any.
func (e *Envelope) ReplyTo() string {
	return e.Metadata[MetaReplyTo]
}

// SetReplyTo records the ephemeral response address in metadata.
func (e *Envelope) SetReplyTo(addr string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string, 1)
	}
	e.Metadata[MetaReplyTo] = addr
}

// Validate checks structural invariants and the payload contract for
// the envelope's action type. Envelopes failing validation are rejected
// at the boundary and never reach a handler.
func (e *Envelope) Validate() error {
	switch {
	case e.ActionID == "":
		return &ValidationError{Field: "action_id", Reason: "required"}
	case e.ActionType == "":
		return &ValidationError{Field: "action_type", Reason: "required"}
	case e.TaskID == "":
		return &ValidationError{Field: "task_id", Reason: "required"}
	case e.CorrelationID == "":
		return &ValidationError{Field: "correlation_id", Reason: "required"}
	case e.TraceID == "":
		return &ValidationError{Field: "trace_id", Reason: "required"}
	case e.OriginService == "":
		return &ValidationError{Field: "origin_service", Reason: "required"}
	}
	if !e.TenantTier.Valid() {
		return &ValidationError{Field: "tenant_tier", Reason: fmt.Sprintf("unknown tier %q", e.TenantTier)}
	}
	if (e.CallbackQueueName == "") != (e.CallbackActionType == "") {
		return &ValidationError{Field: "callback_queue_name", Reason: "callback queue and action type must be set together"}
	}
	return ValidatePayload(e.ActionType, e.Data)
}

// Encode serializes the envelope for the broker.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses an envelope off the wire. It does not validate; the
// dispatch boundary does that so it can answer with an error envelope.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// ErrorPayload is the data body of an error response envelope.
type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
