package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// Reasoner implements contract.Reasoner over a tool-calling chat model. The
// registry's tools are bound once; each call renders the compacted history
// into chat messages and reads the reply's tool calls back as proposals.
type Reasoner struct {
	runner compose.Runnable[contractx.ReasonRequest, contractx.ReasonResponse]
}

var _ contractx.Reasoner = (*Reasoner)(nil)

func NewReasoner(
	ctx context.Context,
	chatModel einomodel.ToolCallingChatModel,
	tools []*schema.ToolInfo,
	systemPrompt string,
) (*Reasoner, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: reasoning system prompt", contractx.ErrPromptMissing)
	}

	toolModel, err := chatModel.WithTools(tools)
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
	}
	runner, err := compileReasoningGraph(ctx, toolModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile reasoning graph: %v", contractx.ErrModelInvoke, err)
	}
	return &Reasoner{runner: runner}, nil
}

func (r *Reasoner) Reason(ctx context.Context, req contractx.ReasonRequest) (contractx.ReasonResponse, error) {
	out, err := r.runner.Invoke(ctx, req)
	if err != nil {
		if errors.Is(err, contractx.ErrSchemaViolation) {
			return contractx.ReasonResponse{}, err
		}
		return contractx.ReasonResponse{}, fmt.Errorf("%w: reasoning invoke: %v", contractx.ErrModelInvoke, err)
	}
	return out, nil
}

func compileReasoningGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
) (compose.Runnable[contractx.ReasonRequest, contractx.ReasonResponse], error) {
	graph := compose.NewGraph[contractx.ReasonRequest, contractx.ReasonResponse]()

	if err := graph.AddLambdaNode("render",
		compose.InvokableLambda(func(ctx context.Context, req contractx.ReasonRequest) ([]*schema.Message, error) {
			return renderMessages(systemPrompt, req)
		}),
	); err != nil {
		return nil, fmt.Errorf("add reasoning render node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add reasoning model node: %w", err)
	}
	if err := graph.AddLambdaNode("parse",
		compose.InvokableLambda(func(ctx context.Context, msg *schema.Message) (contractx.ReasonResponse, error) {
			return parseResponse(msg)
		}),
	); err != nil {
		return nil, fmt.Errorf("add reasoning parse node: %w", err)
	}

	if err := graph.AddEdge(compose.START, "render"); err != nil {
		return nil, fmt.Errorf("add reasoning edge start->render: %w", err)
	}
	if err := graph.AddEdge("render", "model"); err != nil {
		return nil, fmt.Errorf("add reasoning edge render->model: %w", err)
	}
	if err := graph.AddEdge("model", "parse"); err != nil {
		return nil, fmt.Errorf("add reasoning edge model->parse: %w", err)
	}
	if err := graph.AddEdge("parse", compose.END); err != nil {
		return nil, fmt.Errorf("add reasoning edge parse->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("llm.reasoning_graph"))
	if err != nil {
		return nil, fmt.Errorf("compile reasoning graph: %w", err)
	}
	return runner, nil
}

func renderMessages(systemPrompt string, req contractx.ReasonRequest) ([]*schema.Message, error) {
	out := make([]*schema.Message, 0, len(req.History)+2)
	out = append(out, schema.SystemMessage(systemPrompt))

	for _, m := range req.History {
		switch {
		case m.Compacted:
			out = append(out, schema.SystemMessage(m.Content))
		case m.Role == contractx.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case m.Role == contractx.RoleAssistant:
			msg := &schema.Message{Role: schema.Assistant, Content: m.Content}
			for _, call := range m.ToolCalls {
				args, err := json.Marshal(call.Args)
				if err != nil {
					return nil, fmt.Errorf("%w: marshal args for call=%s: %v", contractx.ErrValidation, call.ID, err)
				}
				msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
					ID:   call.ID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      call.Tool,
						Arguments: string(args),
					},
				})
			}
			out = append(out, msg)
		case m.Role == contractx.RoleTool:
			out = append(out, &schema.Message{
				Role:       schema.Tool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("%w: unknown message role %q", contractx.ErrValidation, m.Role)
		}
	}

	if fb := strings.TrimSpace(req.Feedback); fb != "" {
		out = append(out, schema.SystemMessage(fb))
	}
	return out, nil
}

func parseResponse(msg *schema.Message) (contractx.ReasonResponse, error) {
	if msg == nil {
		return contractx.ReasonResponse{}, fmt.Errorf("%w: empty reasoning response", contractx.ErrSchemaViolation)
	}
	calls, err := toProposals(msg.ToolCalls)
	if err != nil {
		return contractx.ReasonResponse{}, err
	}
	return contractx.ReasonResponse{
		Content: strings.TrimSpace(msg.Content),
		Calls:   calls,
	}, nil
}

func toProposals(calls []schema.ToolCall) ([]contractx.ToolProposal, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]contractx.ToolProposal, 0, len(calls))
	for _, call := range calls {
		tool := strings.TrimSpace(call.Function.Name)
		if tool == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		rawArgs := strings.TrimSpace(call.Function.Arguments)
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
			}
		}
		out = append(out, contractx.ToolProposal{Tool: tool, Args: args})
	}
	return out, nil
}
