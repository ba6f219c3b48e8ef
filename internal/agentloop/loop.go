// Package agentloop runs the bounded reasoning-and-tool-use loop: call
// the model, execute any requested tools, feed the results back, and
// repeat until the model answers in plain content or the iteration
// bound trips.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wirebus/wirebus/internal/bus"
)

// Caller issues pseudo-synchronous calls to collaborator services.
// *client.Client satisfies it; tests substitute a scripted stub.
type Caller interface {
	Call(ctx context.Context, target string, env *bus.Envelope, timeout time.Duration) (*bus.Envelope, error)
}

// State is the loop's terminal condition.
type State int

const (
	StateDone State = iota
	// StateTruncated means the loop hit its iteration bound. The
	// result still carries the best partial answer; callers must not
	// present it as complete.
	StateTruncated
)

func (s State) String() string {
	if s == StateTruncated {
		return "truncated"
	}
	return "done"
}

// Config bounds one loop.
type Config struct {
	MaxIterations int
	CallTimeout   time.Duration
	ModelService  string
	RAGService    string
}

func (c *Config) defaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
}

// Result is the loop's terminal output.
type Result struct {
	Content    string
	State      State
	Usage      bus.Usage
	Iterations int
	Turns      []bus.ChatMessage
}

// Loop drives the model through tool use for one service.
type Loop struct {
	service string
	caller  Caller
	cfg     Config
	logger  *slog.Logger
}

// New creates a loop runner for the named origin service.
func New(service string, caller Caller, cfg Config, logger *slog.Logger) *Loop {
	cfg.defaults()
	return &Loop{
		service: service,
		caller:  caller,
		cfg:     cfg,
		logger:  logger.With("component", "agentloop"),
	}
}

// turnSet is the loop's working state. Created at loop start, mutated
// each iteration, discarded after finalization; never persisted
// mid-loop.
type turnSet struct {
	messages []bus.ChatMessage
	usage    bus.Usage
}

func (t *turnSet) append(msg bus.ChatMessage) {
	t.messages = append(t.messages, msg)
}

// Run executes the loop for one query. parent is the triggering
// envelope; every model and tool sub-call derives from it so the whole
// session shares one task id and trace id while each hop gets a fresh
// correlation id.
func (l *Loop) Run(ctx context.Context, parent *bus.Envelope, query bus.QueryRequest, tools *Registry) (*Result, error) {
	log := l.logger.With("task_id", parent.TaskID, "trace_id", parent.TraceID)

	turns := &turnSet{}
	if query.Agent.SystemPrompt != "" {
		turns.append(bus.ChatMessage{Role: bus.RoleSystem, Content: query.Agent.SystemPrompt})
	}
	turns.append(bus.ChatMessage{Role: bus.RoleUser, Content: query.Query})

	schemas := tools.Schemas()
	var lastContent string

	for iteration := 0; ; iteration++ {
		// Guard checked before every model call. Hitting the bound is
		// a terminal state of its own, not a success.
		if iteration >= l.cfg.MaxIterations {
			log.Warn("loop truncated", "iterations", iteration)
			return &Result{
				Content:    lastContent,
				State:      StateTruncated,
				Usage:      turns.usage,
				Iterations: iteration,
				Turns:      turns.messages,
			}, nil
		}

		resp, err := l.callModel(ctx, parent, turns, schemas, query.Agent)
		if err != nil {
			return nil, fmt.Errorf("model call (iteration %d): %w", iteration+1, err)
		}
		turns.usage.Add(resp.Usage)
		turns.append(resp.Message)
		lastContent = resp.Message.Content

		if len(resp.Message.ToolCalls) == 0 {
			log.Info("loop complete",
				"iterations", iteration+1,
				"prompt_tokens", turns.usage.PromptTokens,
				"completion_tokens", turns.usage.CompletionTokens,
			)
			return &Result{
				Content:    resp.Message.Content,
				State:      StateDone,
				Usage:      turns.usage,
				Iterations: iteration + 1,
				Turns:      turns.messages,
			}, nil
		}

		// Sequential execution keeps tool-result ordering and cost
		// accounting deterministic.
		for _, call := range resp.Message.ToolCalls {
			turns.append(l.executeTool(ctx, tools, call, log))
		}
	}
}

func (l *Loop) callModel(ctx context.Context, parent *bus.Envelope, turns *turnSet, schemas []bus.ToolSchema, agent bus.AgentConfig) (*bus.ModelResponse, error) {
	req, err := parent.Derive(bus.ActionModelAdvance, l.service, bus.ModelRequest{
		Messages: turns.messages,
		Tools:    schemas,
		Agent:    agent,
	})
	if err != nil {
		return nil, err
	}

	reply, err := l.caller.Call(ctx, l.cfg.ModelService, req, l.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	if reply.ActionType == bus.ActionErrorResponse {
		var ep bus.ErrorPayload
		_ = json.Unmarshal(reply.Data, &ep)
		return nil, fmt.Errorf("model service error: %s: %s", ep.Code, ep.Message)
	}

	var resp bus.ModelResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("bad model reply: %w", err)
	}
	return &resp, nil
}

// executeTool runs one requested tool call and returns the tool-result
// message, tagged with the originating call id so the model can
// correlate results to requests. Failures become tool-error content;
// they never abort the loop.
func (l *Loop) executeTool(ctx context.Context, tools *Registry, call bus.ToolCall, log *slog.Logger) bus.ChatMessage {
	tool, ok := tools.Lookup(call.Name)
	if !ok {
		log.Warn("unknown tool requested", "tool", call.Name)
		return bus.ChatMessage{
			Role:       bus.RoleTool,
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error: unknown tool %q", call.Name),
		}
	}

	output, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		log.Warn("tool failed", "tool", call.Name, "error", err)
		return bus.ChatMessage{
			Role:       bus.RoleTool,
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error: %v", err),
		}
	}

	return bus.ChatMessage{
		Role:       bus.RoleTool,
		ToolCallID: call.ID,
		Content:    output,
	}
}
