package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/provider"
	"github.com/nidhogg/standards-retrieval/internal/task"
	"go.uber.org/zap"
)

// Request is one unit of work handed to an Executor.
type Request struct {
	Stage          task.Stage
	DisciplineID   string
	DisciplineName string
	Choice         provider.BackendChoice
	Input          *artifact.Artifact
}

// Output is the raw product of an execution.
type Output struct {
	Content string             `json:"content"`
	Items   []string           `json:"items,omitempty"`
	Scores  map[string]float64 `json:"scores,omitempty"`
	Meta    map[string]string  `json:"meta,omitempty"`
	Tokens  int                `json:"-"`
}

// Executor performs the backend call for a stage.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Output, error)
}

// ProviderExecutor executes requests through the provider router.
type ProviderExecutor struct {
	router    *provider.Router
	personas  map[task.Stage]Persona
	maxTokens int
	logger    *zap.Logger
}

// NewProviderExecutor creates an executor with the default personas.
func NewProviderExecutor(router *provider.Router, logger *zap.Logger) *ProviderExecutor {
	return &ProviderExecutor{
		router:    router,
		personas:  DefaultPersonas(),
		maxTokens: 4096,
		logger:    logger,
	}
}

func (e *ProviderExecutor) Execute(ctx context.Context, req Request) (*Output, error) {
	persona, ok := e.personas[req.Stage]
	if !ok {
		return nil, &ExecutionError{Kind: Fatal, Err: errors.New("no persona for stage " + string(req.Stage))}
	}
	chat := &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: persona.SystemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		MaxTokens:   e.maxTokens,
		Temperature: 0.2,
	}
	resp, err := e.router.Route(ctx, req.Choice, chat)
	if err != nil {
		return nil, err
	}
	out := parseOutput(resp.Content)
	out.Tokens = resp.Usage.TotalTokens
	return out, nil
}

// parseOutput accepts the JSON reply contract, falling back to plain text
// where bullet lines become items.
func parseOutput(text string) *Output {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var out Output
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &out) == nil {
		return &out
	}

	out = Output{Content: text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		for _, bullet := range []string{"- ", "* ", "• "} {
			if strings.HasPrefix(line, bullet) {
				if item := strings.TrimSpace(line[len(bullet):]); item != "" {
					out.Items = append(out.Items, item)
				}
				break
			}
		}
	}
	return &out
}
