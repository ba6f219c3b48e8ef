package bus

import (
	"encoding/json"
	"fmt"
)

// ActionType is the namespaced verb routing an envelope to a handler.
// Routing is typed: every service dispatches over the constants below
// with a single explicit unknown-type fallback, never over raw strings.
type ActionType string

const (
	// Gateway -> agent orchestration.
	ActionQueryGenerate ActionType = "query.generate"
	// Agent orchestration -> gateway callback.
	ActionQueryComplete ActionType = "query.complete"
	// Agent orchestration -> model serving.
	ActionModelAdvance ActionType = "model.advance"
	// Agent orchestration -> retrieval.
	ActionQueryRAG ActionType = "query.rag"
	// Retrieval -> embedding.
	ActionEmbedGenerate ActionType = "embedding.generate"
	// Conversation persistence collaborator.
	ActionConversationSave  ActionType = "conversation.save"
	ActionConversationFetch ActionType = "conversation.fetch"
	// Error responses produced at the dispatch boundary.
	ActionErrorResponse ActionType = "error.response"

	// Pseudo-synchronous result types, one per request type. A reply
	// envelope carries the request's action type suffixed with
	// ".result" so its payload validates against its own contract.
	ActionModelAdvanceResult      ActionType = "model.advance.result"
	ActionQueryRAGResult          ActionType = "query.rag.result"
	ActionEmbedGenerateResult     ActionType = "embedding.generate.result"
	ActionConversationSaveResult  ActionType = "conversation.save.result"
	ActionConversationFetchResult ActionType = "conversation.fetch.result"
)

// ResultType returns the reply action type for a request action type.
func (a ActionType) ResultType() ActionType {
	return a + ".result"
}

// Service returns the namespace portion of the action type, e.g.
// "query" for "query.generate".
func (a ActionType) Service() string {
	for i := 0; i < len(a); i++ {
		if a[i] == '.' {
			return string(a[:i])
		}
	}
	return string(a)
}

type validator func(raw json.RawMessage) error

// payloadContracts maps every known action type to its payload check.
// An action type absent from this table is unroutable by construction.
var payloadContracts = map[ActionType]validator{
	ActionQueryGenerate:     asContract[QueryRequest](),
	ActionQueryComplete:     asContract[QueryResult](),
	ActionModelAdvance:      asContract[ModelRequest](),
	ActionQueryRAG:          asContract[RAGRequest](),
	ActionEmbedGenerate:     asContract[EmbedRequest](),
	ActionConversationSave:  asContract[ConversationSaveRequest](),
	ActionConversationFetch: asContract[ConversationFetchRequest](),
	ActionErrorResponse:     asContract[ErrorPayload](),

	ActionModelAdvanceResult:      asContract[ModelResponse](),
	ActionQueryRAGResult:          asContract[RAGResult](),
	ActionEmbedGenerateResult:     asContract[EmbedResult](),
	ActionConversationSaveResult:  asContract[Ack](),
	ActionConversationFetchResult: asContract[ConversationFetchResult](),
}

// contract is implemented by payload types that carry their own
// structural checks.
type contract interface {
	check() error
}

func asContract[T any]() validator {
	return func(raw json.RawMessage) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
		if c, ok := any(&v).(contract); ok {
			return c.check()
		}
		return nil
	}
}

// KnownAction reports whether the action type has a registered payload
// contract.
func KnownAction(a ActionType) bool {
	_, ok := payloadContracts[a]
	return ok
}

// ValidatePayload checks raw against the contract registered for the
// action type. Unknown action types fail closed.
func ValidatePayload(a ActionType, raw json.RawMessage) error {
	v, ok := payloadContracts[a]
	if !ok {
		return &ValidationError{Field: "action_type", Reason: fmt.Sprintf("no contract registered for %q", a)}
	}
	if len(raw) == 0 {
		return &ValidationError{Field: "data", Reason: "required"}
	}
	return v(raw)
}
