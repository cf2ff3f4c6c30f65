package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/microcore/taskcore/internal/model"
)

// AnthropicConfig selects between a direct Anthropic endpoint and an AWS
// Bedrock-hosted model, matching the pack's own direct-vs-Bedrock client
// construction pattern.
type AnthropicConfig struct {
	UseBedrock bool
	APIKey     string // used when UseBedrock is false
	AWSRegion  string // used when UseBedrock is true
	AWSProfile string // used when UseBedrock is true
	BaseURL    string // optional override, direct mode only
}

// anthropicClient binds the llm.Client contract to anthropic-sdk-go, routed
// either directly or through Bedrock.
type anthropicClient struct {
	inner anthropic.Client
}

// NewAnthropicClient constructs a Client per cfg.
func NewAnthropicClient(ctx context.Context, cfg AnthropicConfig) (Client, error) {
	var opts []option.RequestOption
	if cfg.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("llm: missing anthropic api key")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	}
	return &anthropicClient{inner: anthropic.NewClient(opts...)}, nil
}

func (c *anthropicClient) Submit(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelID),
		MaxTokens: 8192,
		Messages:  buildMessages(req.Messages),
		Tools:     buildTools(req.Tools),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = req.MaxOutputTokens
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		if isThrottlingError(err) {
			return Response{}, fmt.Errorf("%w: %v", ErrThrottled, err)
		}
		return Response{}, fmt.Errorf("llm: submit: %w", err)
	}

	return Response{
		Content:    fromAnthropicContent(resp.Content),
		StopReason: mapStopReason(resp.StopReason),
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// isThrottlingError maps the SDK's rate-limit/overloaded HTTP statuses to
// the throttling error class; anything else is a non-throttling transport
// failure per the §7 taxonomy.
func isThrottlingError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 529:
			return true
		}
	}
	return false
}

func mapStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

func buildTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		required, _ := s.InputSchema["required"].([]string)
		properties, _ := s.InputSchema["properties"].(map[string]any)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        s.Name,
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	return out
}

func buildMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Kind {
			case model.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case model.BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, b.ToolUseInput, b.ToolUseName))
			case model.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultID, b.ToolResultContent, b.ToolResultStatus == model.ResultError))
			}
		}
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func fromAnthropicContent(blocks []anthropic.ContentBlockUnion) []model.ContentBlock {
	out := make([]model.ContentBlock, 0, len(blocks))
	for _, block := range blocks {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out = append(out, model.TextBlock(v.Text))
		case anthropic.ToolUseBlock:
			out = append(out, model.ToolUseBlock(v.ID, v.Name, v.Input))
		}
	}
	return out
}
