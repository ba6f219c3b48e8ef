package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wirebus/wirebus/internal/bus"
)

// Tool is one capability the model may invoke during the loop.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is the tool snapshot for one loop invocation. It is built
// at loop start and discarded with the loop; nothing mutates it while
// the loop runs.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry snapshots the given tools.
func NewRegistry(tools ...Tool) *Registry {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		m[t.Name()] = t
	}
	return &Registry{tools: m}
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the tool schemas offered to the model, in stable
// name order.
func (r *Registry) Schemas() []bus.ToolSchema {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]bus.ToolSchema, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		schemas = append(schemas, bus.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}

// RetrievalToolName is the reserved name of the retrieval tool.
const RetrievalToolName = "search_knowledge"

// RetrievalTool answers a tool call by issuing a pseudo-synchronous
// call to the retrieval collaborator and formatting its top-K passages.
// A retrieval failure surfaces to the model as a tool error, never as
// a silently substituted result.
type RetrievalTool struct {
	caller     Caller
	target     string
	parent     *bus.Envelope
	collection string
	topK       int
	timeout    time.Duration
}

// NewRetrievalTool binds the retrieval tool to one loop invocation.
// parent supplies the task and trace ids every sub-call carries.
func NewRetrievalTool(caller Caller, target string, parent *bus.Envelope, collection string, topK int, timeout time.Duration) *RetrievalTool {
	if topK <= 0 {
		topK = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RetrievalTool{
		caller:     caller,
		target:     target,
		parent:     parent,
		collection: collection,
		topK:       topK,
		timeout:    timeout,
	}
}

func (t *RetrievalTool) Name() string { return RetrievalToolName }

func (t *RetrievalTool) Description() string {
	return "Search the knowledge base for passages relevant to a query. Use this before answering questions that need external information."
}

func (t *RetrievalTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *RetrievalTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", &bus.ToolExecutionError{Tool: t.Name(), Err: fmt.Errorf("bad arguments: %w", err)}
	}
	if in.Query == "" {
		return "", &bus.ToolExecutionError{Tool: t.Name(), Err: fmt.Errorf("query is required")}
	}

	req, err := t.parent.Derive(bus.ActionQueryRAG, t.parent.OriginService, bus.RAGRequest{
		Query:      in.Query,
		Collection: t.collection,
		TopK:       t.topK,
	})
	if err != nil {
		return "", &bus.ToolExecutionError{Tool: t.Name(), Err: err}
	}

	reply, err := t.caller.Call(ctx, t.target, req, t.timeout)
	if err != nil {
		return "", &bus.ToolExecutionError{Tool: t.Name(), Err: err}
	}

	var result bus.RAGResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		return "", &bus.ToolExecutionError{Tool: t.Name(), Err: fmt.Errorf("bad retrieval reply: %w", err)}
	}
	return formatPassages(result.Passages), nil
}

// formatPassages renders ranked passages as tool-result content.
func formatPassages(passages []bus.Passage) string {
	if len(passages) == 0 {
		return "No relevant passages found."
	}
	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] (score %.3f", i+1, p.Score)
		if p.Source != "" {
			fmt.Fprintf(&b, ", source %s", p.Source)
		}
		b.WriteString(")\n")
		b.WriteString(p.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
