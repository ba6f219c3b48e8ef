// Package agent implements the agent-execution role: it consumes
// query.generate work from the gateway, drives the tool-use loop
// against the model and retrieval collaborators, and emits the
// completion callback.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wirebus/wirebus/internal/agentloop"
	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/client"
	"github.com/wirebus/wirebus/internal/dispatch"
)

// ServiceName is this role's name in queue addresses.
const ServiceName = "agent"

// PersistenceService is the conversation-store collaborator's name.
const PersistenceService = "persistence"

// Options tune the agent role.
type Options struct {
	ModelService  string
	RAGService    string
	MaxIterations int
	CallTimeout   time.Duration
	TopK          int
	DefaultModel  string
	Collection    string
}

func (o *Options) defaults() {
	if o.ModelService == "" {
		o.ModelService = "model"
	}
	if o.RAGService == "" {
		o.RAGService = "retrieval"
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.DefaultModel == "" {
		o.DefaultModel = "default"
	}
	if o.Collection == "" {
		o.Collection = "default"
	}
}

// Service holds the agent role's collaborator wiring.
type Service struct {
	client *client.Client
	loop   *agentloop.Loop
	opts   Options
	logger *slog.Logger
}

// New creates the agent service.
func New(cl *client.Client, opts Options, logger *slog.Logger) *Service {
	opts.defaults()
	loop := agentloop.New(ServiceName, cl, agentloop.Config{
		MaxIterations: opts.MaxIterations,
		CallTimeout:   opts.CallTimeout,
		ModelService:  opts.ModelService,
		RAGService:    opts.RAGService,
	}, logger)
	return &Service{
		client: cl,
		loop:   loop,
		opts:   opts,
		logger: logger.With("component", "agent"),
	}
}

// Register installs the role's routes on its dispatch worker.
func (s *Service) Register(w *dispatch.Worker) {
	w.Register(bus.ActionQueryGenerate, s.handleQuery)
}

// handleQuery runs one tool-use loop for a user query. The returned
// QueryResult rides the request's callback contract back to the
// gateway; a truncated loop is flagged, never presented as complete.
func (s *Service) handleQuery(ctx context.Context, env *bus.Envelope) (any, error) {
	var query bus.QueryRequest
	if err := json.Unmarshal(env.Data, &query); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}

	// Metadata is advisory; absent fields get service defaults.
	if query.Agent.Model == "" {
		query.Agent.Model = s.opts.DefaultModel
	}
	if query.Collection == "" {
		query.Collection = s.opts.Collection
	}

	tools := agentloop.NewRegistry(
		agentloop.NewRetrievalTool(s.client, s.opts.RAGService, env, query.Collection, s.opts.TopK, s.opts.CallTimeout),
	)

	result, err := s.loop.Run(ctx, env, query, tools)
	if err != nil {
		return nil, err
	}

	s.saveConversation(ctx, env, query.SessionID, result)

	return bus.QueryResult{
		SessionID: query.SessionID,
		Content:   result.Content,
		Truncated: result.State == agentloop.StateTruncated,
		Usage:     result.Usage,
	}, nil
}

// saveConversation hands the finished turns to the persistence
// collaborator fire-and-forget: losing a save must not fail the
// user-visible result.
func (s *Service) saveConversation(ctx context.Context, parent *bus.Envelope, sessionID string, result *agentloop.Result) {
	env, err := parent.Derive(bus.ActionConversationSave, ServiceName, bus.ConversationSaveRequest{
		SessionID: sessionID,
		Turns:     result.Turns,
		Usage:     result.Usage,
	})
	if err != nil {
		s.logger.Error("building conversation save failed", "error", err)
		return
	}
	if err := s.client.Send(ctx, PersistenceService, env); err != nil {
		s.logger.Warn("conversation save not sent", "task_id", parent.TaskID, "error", err)
	}
}
