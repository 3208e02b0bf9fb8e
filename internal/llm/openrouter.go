package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

type openRouterProvider struct {
	apiKey      string
	baseURL     string
	model       string
	visionModel string
	retry       RetryPolicy
	logger      *utils.Logger
	client      *http.Client
}

type OpenRouterOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	VisionModel    string
	RequestTimeout time.Duration
	Retry          RetryPolicy
}

type OpenRouterRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

// Message content is either a string or a list of parts for vision calls.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type OpenRouterResponse struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

type Choice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

func NewOpenRouterProvider(opts OpenRouterOptions, logger *utils.Logger) Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://openrouter.ai/api/v1"
	}
	if opts.VisionModel == "" {
		opts.VisionModel = opts.Model
	}
	return &openRouterProvider{
		apiKey:      opts.APIKey,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		visionModel: opts.VisionModel,
		retry:       opts.Retry,
		logger:      logger.WithComponent("openrouter"),
		client: &http.Client{
			Timeout: opts.RequestTimeout,
		},
	}
}

func (p *openRouterProvider) NormalizeInvoice(ctx context.Context, meta InvoiceMeta, text string) (*Completion, error) {
	return p.completeJSON(ctx, "normalize_invoice", p.model, []Message{
		{Role: "user", Content: normalizePrompt(meta, text)},
	})
}

func (p *openRouterProvider) RepairNormalizedInvoice(ctx context.Context, payload []byte, issues []string, meta InvoiceMeta) (*Completion, error) {
	return p.completeJSON(ctx, "repair_normalized_invoice", p.model, []Message{
		{Role: "user", Content: repairPrompt(payload, issues, meta)},
	})
}

func (p *openRouterProvider) ExtractImageLines(ctx context.Context, image []byte, mimeType string) (*ImageLines, error) {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	completion, err := p.completeJSON(ctx, "extract_image_lines", p.visionModel, []Message{
		{Role: "user", Content: []ContentPart{
			{Type: "text", Text: visionPrompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}},
		}},
	})
	if err != nil {
		return nil, err
	}

	lines, err := parseLines(completion.JSON)
	if err != nil {
		return nil, err
	}
	return &ImageLines{Lines: lines, Usage: completion.Usage, Model: completion.Model}, nil
}

func parseLines(raw []byte) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse vision response as JSON: %w", err)
	}
	lines := make([]string, 0, len(out.Lines))
	for _, l := range out.Lines {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (p *openRouterProvider) completeJSON(ctx context.Context, op, model string, messages []Message) (*Completion, error) {
	reqBody := OpenRouterRequest{
		Model:          model,
		Messages:       messages,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var completion *Completion
	err = p.retry.Do(ctx, p.logger, op, func(ctx context.Context) error {
		c, err := p.send(ctx, jsonData)
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if completion.Model == "" {
		completion.Model = model
	}
	return completion, nil
}

func (p *openRouterProvider) send(ctx context.Context, jsonData []byte) (*Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Error("OpenRouter API error", "status", resp.StatusCode, "body", utils.Truncate(string(body), 500))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var openRouterResp OpenRouterResponse
	if err := json.Unmarshal(body, &openRouterResp); err != nil {
		return nil, &permanentError{fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	if openRouterResp.Error != nil {
		return nil, &permanentError{errors.New("OpenRouter API error: " + openRouterResp.Error.Message)}
	}

	if len(openRouterResp.Choices) == 0 {
		return nil, &permanentError{errors.New("no choices in response")}
	}

	return &Completion{
		JSON:  []byte(extractJSON(openRouterResp.Choices[0].Message.Content)),
		Usage: openRouterResp.Usage,
		Model: openRouterResp.Model,
	}, nil
}

// extractJSON strips a surrounding markdown code fence, if any.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		content = content[nl+1:]
	} else {
		content = strings.TrimPrefix(content, "```")
	}
	if end := strings.LastIndex(content, "```"); end >= 0 {
		content = content[:end]
	}
	return strings.TrimSpace(content)
}
