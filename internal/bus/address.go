package bus

import (
	"fmt"
	"strings"
)

// Separator joins address segments. No segment may contain it; sender
// and receiver must derive identical strings from identical inputs
// without a registry lookup.
const Separator = ":"

// Address kinds.
const (
	kindActions       = "actions"
	kindResponses     = "responses"
	kindCallbacks     = "callbacks"
	kindNotifications = "notifications"
)

// DeadLetterQualifier marks the dead-letter partition of a service's
// action inbox.
const DeadLetterQualifier = "dead"

// Addresser derives queue and channel addresses for one deployment.
// Prefix and Env are fixed at construction so every component in a
// process agrees on the namespace.
type Addresser struct {
	Prefix string
	Env    string
}

// NewAddresser validates the namespace segments and returns an
// Addresser.
func NewAddresser(prefix, env string) (*Addresser, error) {
	if err := checkSegment("prefix", prefix); err != nil {
		return nil, err
	}
	if err := checkSegment("env", env); err != nil {
		return nil, err
	}
	return &Addresser{Prefix: prefix, Env: env}, nil
}

// ActionQueue returns the work inbox for a service, optionally
// partitioned by tenant tier. Empty tier and context are omitted, never
// left as empty placeholders.
func (a *Addresser) ActionQueue(service string, tier Tier, context string) (string, error) {
	if err := checkSegment("service", service); err != nil {
		return "", err
	}
	if tier != "" && !tier.Valid() {
		return "", &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	if err := checkContext(context); err != nil {
		return "", err
	}
	segs := a.base(service, context)
	if tier != "" {
		segs = append(segs, string(tier))
	}
	segs = append(segs, kindActions)
	return strings.Join(segs, Separator), nil
}

// DeadLetterQueue returns the dead-letter partition of a service's
// action inbox.
func (a *Addresser) DeadLetterQueue(service string) (string, error) {
	q, err := a.ActionQueue(service, "", "")
	if err != nil {
		return "", err
	}
	return q + Separator + DeadLetterQualifier, nil
}

// ResponseQueue returns the ephemeral reply address for one outstanding
// pseudo-synchronous call, qualified by action name and correlation id.
func (a *Addresser) ResponseQueue(origin, action, correlationID, context string) (string, error) {
	if err := checkSegment("origin_service", origin); err != nil {
		return "", err
	}
	if err := checkSegment("action_name", action); err != nil {
		return "", err
	}
	if err := checkSegment("correlation_id", correlationID); err != nil {
		return "", err
	}
	if err := checkContext(context); err != nil {
		return "", err
	}
	segs := append(a.base(origin, context), kindResponses, action, correlationID)
	return strings.Join(segs, Separator), nil
}

// CallbackQueue returns the long-lived per-caller callback address for
// an event name.
func (a *Addresser) CallbackQueue(origin, event, context string) (string, error) {
	if err := checkSegment("origin_service", origin); err != nil {
		return "", err
	}
	if err := checkSegment("event_name", event); err != nil {
		return "", err
	}
	if err := checkContext(context); err != nil {
		return "", err
	}
	segs := append(a.base(origin, context), kindCallbacks, event)
	return strings.Join(segs, Separator), nil
}

// NotificationChannel returns the broadcast channel for an event name.
func (a *Addresser) NotificationChannel(origin, event, context string) (string, error) {
	if err := checkSegment("origin_service", origin); err != nil {
		return "", err
	}
	if err := checkSegment("event_name", event); err != nil {
		return "", err
	}
	if err := checkContext(context); err != nil {
		return "", err
	}
	segs := append(a.base(origin, context), kindNotifications, event)
	return strings.Join(segs, Separator), nil
}

func (a *Addresser) base(service, context string) []string {
	segs := []string{a.Prefix, a.Env, service}
	if context != "" {
		segs = append(segs, context)
	}
	return segs
}

func checkContext(context string) error {
	if context == "" {
		return nil
	}
	// The context segment sits where the tier segment follows it, so a
	// tier-named context would make two distinct tuples render the same
	// queue name. Keep the mapping injective by rejecting those names.
	if Tier(context).Valid() {
		return &ValidationError{Field: "context", Reason: fmt.Sprintf("%q collides with a tier name", context)}
	}
	return checkSegment("context", context)
}

func checkSegment(field, v string) error {
	if v == "" {
		return &ValidationError{Field: field, Reason: "required"}
	}
	if strings.Contains(v, Separator) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must not contain %q", Separator)}
	}
	return nil
}
