package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// invoker is the subset of the Bedrock runtime client used here
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient completes prompts with Anthropic models on AWS Bedrock
type BedrockClient struct {
	client    invoker
	maxTokens int
}

// NewBedrockClient loads the default AWS credential chain for region
func NewBedrockClient(ctx context.Context, region string, maxTokens int) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewBedrockClientWith(bedrockruntime.NewFromConfig(cfg), maxTokens), nil
}

// NewBedrockClientWith uses an existing runtime client
func NewBedrockClientWith(client invoker, maxTokens int) *BedrockClient {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &BedrockClient{client: client, maxTokens: maxTokens}
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

// Complete implements Completer
func (b *BedrockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if !strings.Contains(req.Model, "anthropic.") {
		return nil, fmt.Errorf("unsupported bedrock model: %s", req.Model)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.maxTokens
	}
	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object only."
	}
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		System:           req.System,
		Messages:         []bedrockMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke model: %w", err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse bedrock response: %w", err)
	}
	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{Text: text.String(), Model: req.Model}, nil
}

// Stream delivers the whole completion as one delta
func (b *BedrockClient) Stream(ctx context.Context, req Request, onDelta func(string) error) error {
	resp, err := b.Complete(ctx, req)
	if err != nil {
		return err
	}
	return onDelta(resp.Text)
}
