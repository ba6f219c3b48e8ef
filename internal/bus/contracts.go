package bus

import "encoding/json"

// Payload contracts for every action type. These are the only wire
// shapes services share; a service never imports another service's
// internals to talk to it.

// Role tags for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is a single role-tagged message in a conversation.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Usage counts tokens and cost for one or more model calls. Add sums
// usage across loop iterations.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.CostUSD += u2.CostUSD
}

// AgentConfig carries per-request model parameters.
type AgentConfig struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// QueryRequest is the data body of query.generate: one end-user query
// entering the agent orchestration.
type QueryRequest struct {
	SessionID  string      `json:"session_id"`
	Query      string      `json:"query"`
	Collection string      `json:"collection,omitempty"`
	Agent      AgentConfig `json:"agent,omitempty"`
}

func (r *QueryRequest) check() error {
	if r.SessionID == "" {
		return &ValidationError{Field: "data.session_id", Reason: "required"}
	}
	if r.Query == "" {
		return &ValidationError{Field: "data.query", Reason: "required"}
	}
	return nil
}

// QueryResult is the data body of query.complete: the terminal answer
// for one task, flagged when the loop was truncated.
type QueryResult struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Usage     Usage  `json:"usage"`
	Error     string `json:"error,omitempty"`
}

func (r *QueryResult) check() error {
	if r.SessionID == "" {
		return &ValidationError{Field: "data.session_id", Reason: "required"}
	}
	return nil
}

// ModelRequest is the data body of model.advance: the full message
// list, tool schemas, and agent parameters for one model call.
type ModelRequest struct {
	Messages []ChatMessage `json:"messages"`
	Tools    []ToolSchema  `json:"tools,omitempty"`
	Agent    AgentConfig   `json:"agent"`
}

func (r *ModelRequest) check() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "data.messages", Reason: "required"}
	}
	return nil
}

// ModelResponse is the reply payload of model.advance.
type ModelResponse struct {
	Message ChatMessage `json:"message"`
	Usage   Usage       `json:"usage"`
}

// RAGRequest is the data body of query.rag.
type RAGRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	TopK       int    `json:"top_k,omitempty"`
}

func (r *RAGRequest) check() error {
	if r.Query == "" {
		return &ValidationError{Field: "data.query", Reason: "required"}
	}
	if r.Collection == "" {
		return &ValidationError{Field: "data.collection", Reason: "required"}
	}
	return nil
}

// Passage is one ranked retrieval result.
type Passage struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

// RAGResult is the reply payload of query.rag.
type RAGResult struct {
	Passages []Passage `json:"passages"`
}

// EmbedRequest is the data body of embedding.generate.
type EmbedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

func (r *EmbedRequest) check() error {
	if len(r.Texts) == 0 {
		return &ValidationError{Field: "data.texts", Reason: "required"}
	}
	return nil
}

// EmbedResult is the reply payload of embedding.generate.
type EmbedResult struct {
	Vectors [][]float64 `json:"vectors"`
}

// ConversationSaveRequest persists the turns of one finished loop.
type ConversationSaveRequest struct {
	SessionID string        `json:"session_id"`
	Turns     []ChatMessage `json:"turns"`
	Usage     Usage         `json:"usage"`
}

func (r *ConversationSaveRequest) check() error {
	if r.SessionID == "" {
		return &ValidationError{Field: "data.session_id", Reason: "required"}
	}
	return nil
}

// ConversationFetchRequest loads recent turns for a session.
type ConversationFetchRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

func (r *ConversationFetchRequest) check() error {
	if r.SessionID == "" {
		return &ValidationError{Field: "data.session_id", Reason: "required"}
	}
	return nil
}

// ConversationFetchResult is the reply payload of conversation.fetch.
type ConversationFetchResult struct {
	Turns []ChatMessage `json:"turns"`
}

// Ack acknowledges a request that has no other result body.
type Ack struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"task_id,omitempty"`
}
