package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/batalabs/loopd/internal/domain"
)

// streamHTTPClient is shared across all API calls. A single shared
// Transport reuses connections; DisableCompression prevents gzip-over-chunked
// encoding failures on SSE streams.
var streamHTTPClient = &http.Client{
	Transport: &http.Transport{
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
	},
}

// anthropicMessagesURL is the default Anthropic Messages API endpoint.
const anthropicMessagesURL = "https://api.anthropic.com/v1/messages"

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey string
	apiURL string
}

// NewAnthropicProvider creates a provider bound to an API key.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, apiURL: anthropicMessagesURL}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// SetAPIURL overrides the API endpoint. Used by tests with httptest servers.
func (p *AnthropicProvider) SetAPIURL(url string) { p.apiURL = url }

// StreamChat sends a message to the Anthropic API with streaming, retrying
// transient failures with exponential backoff.
func (p *AnthropicProvider) StreamChat(
	model string,
	maxTokens int,
	temperature float64,
	system string,
	history []domain.TranscriptMessage,
	tools []ToolSpec,
	onDelta func(string),
) ([]domain.ContentBlock, []domain.ContentBlock, string, error) {
	var blocks []domain.ContentBlock
	var stopReason string

	err := withRetry(func() error {
		var innerErr error
		blocks, stopReason, innerErr = p.streamOnce(model, maxTokens, temperature, system, history, tools, onDelta)
		return innerErr
	})
	if err != nil {
		return nil, nil, "", err
	}
	return blocks, extractToolUses(blocks), normalizeStopReason(stopReason), nil
}

// CreateMessage performs a non-streaming completion and returns the text
// content of the response. Used for compaction summaries.
func (p *AnthropicProvider) CreateMessage(
	model string,
	maxTokens int,
	temperature float64,
	messages []domain.TranscriptMessage,
) (string, error) {
	reqBody := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Messages:    buildAnthropicMessages(messages),
		Stream:      false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var text string
	err = withRetry(func() error {
		resp, reqErr := p.post(body)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return readAPIError(resp)
		}

		var decoded struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&decoded); decErr != nil {
			return fmt.Errorf("decoding response: %w", decErr)
		}
		log.Debug("create_message response",
			"input_tokens", decoded.Usage.InputTokens,
			"output_tokens", decoded.Usage.OutputTokens)

		var parts []string
		for _, c := range decoded.Content {
			if c.Type == "text" {
				parts = append(parts, c.Text)
			}
		}
		text = strings.Join(parts, "")
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (p *AnthropicProvider) post(body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequest(http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("anthropic-beta", "prompt-caching-2024-07-31")
	// Prevent proxies from injecting compression on the SSE stream.
	httpReq.Header.Set("Accept-Encoding", "identity")

	return streamHTTPClient.Do(httpReq)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func newTextMessage(role, text string) anthropicMessage {
	raw, _ := json.Marshal(text)
	return anthropicMessage{Role: role, Content: raw}
}

func newBlockMessage(role string, blocks []anthropicContentBlock) anthropicMessage {
	raw, _ := json.Marshal(blocks)
	return anthropicMessage{Role: role, Content: raw}
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *string         `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

// anthropicCacheControl marks a block for ephemeral prompt caching.
type anthropicCacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type anthropicSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicToolItem struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  *anthropicToolSchema   `json:"input_schema,omitempty"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicToolSchema struct {
	Type       string                       `json:"type"`
	Properties map[string]anthropicToolProp `json:"properties"`
	Required   []string                     `json:"required"`
}

type anthropicToolProp struct {
	Type        string                       `json:"type"`
	Description string                       `json:"description,omitempty"`
	Enum        []string                     `json:"enum,omitempty"`
	Items       *anthropicToolProp           `json:"items,omitempty"`
	Properties  map[string]anthropicToolProp `json:"properties,omitempty"`
	Required    []string                     `json:"required,omitempty"`
}

type anthropicRequest struct {
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature *float64               `json:"temperature,omitempty"`
	Messages    []anthropicMessage     `json:"messages"`
	Stream      bool                   `json:"stream"`
	Tools       []anthropicToolItem    `json:"tools,omitempty"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
}

type sseEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message *struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	// Error is populated for SSE error events sent mid-stream.
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamBlock tracks an in-flight content block during SSE streaming.
type streamBlock struct {
	blockType string
	toolID    string
	toolName  string
	textBuf   strings.Builder
	jsonBuf   strings.Builder
}

// ---------------------------------------------------------------------------
// Tool conversion
// ---------------------------------------------------------------------------

func convertAnthropicProp(v ToolProp) anthropicToolProp {
	p := anthropicToolProp{
		Type:        v.Type,
		Description: v.Description,
		Enum:        v.Enum,
	}
	if v.Items != nil {
		converted := convertAnthropicProp(*v.Items)
		p.Items = &converted
	}
	if len(v.Properties) > 0 {
		p.Properties = make(map[string]anthropicToolProp, len(v.Properties))
		for k, nested := range v.Properties {
			p.Properties[k] = convertAnthropicProp(nested)
		}
	}
	if len(v.Required) > 0 {
		p.Required = v.Required
	}
	return p
}

// toAnthropicTools converts provider-agnostic ToolSpecs to the Anthropic
// wire format. The last tool is marked with cache_control so the whole tool
// list is cached as a prompt prefix.
func toAnthropicTools(specs []ToolSpec) []anthropicToolItem {
	if len(specs) == 0 {
		return nil
	}

	items := make([]anthropicToolItem, 0, len(specs))
	for _, s := range specs {
		props := make(map[string]anthropicToolProp, len(s.Properties))
		for k, v := range s.Properties {
			props[k] = convertAnthropicProp(v)
		}
		req := s.Required
		if req == nil {
			req = []string{}
		}
		items = append(items, anthropicToolItem{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: &anthropicToolSchema{
				Type:       "object",
				Properties: props,
				Required:   req,
			},
		})
	}
	items[len(items)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	return items
}

// ---------------------------------------------------------------------------
// Message conversion
// ---------------------------------------------------------------------------

// buildAnthropicMessages converts transcript messages to the API format.
// System-role messages are skipped; the system prompt travels separately.
func buildAnthropicMessages(history []domain.TranscriptMessage) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(history))
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if !m.HasBlocks() {
			msgs = append(msgs, newTextMessage(m.Role, m.Content))
			continue
		}
		apiBlocks := make([]anthropicContentBlock, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Type {
			case "text":
				apiBlocks = append(apiBlocks, anthropicContentBlock{Type: "text", Text: b.Text})
			case "tool_use":
				input := b.ToolInput
				if input == nil {
					input = map[string]any{}
				}
				apiBlocks = append(apiBlocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    b.ToolUseID,
					Name:  b.ToolName,
					Input: &input,
				})
			case "tool_result":
				content := b.ToolResult
				block := anthropicContentBlock{
					Type:      "tool_result",
					ToolUseID: b.ToolUseID,
					Content:   &content,
				}
				if b.IsError {
					isErr := true
					block.IsError = &isErr
				}
				apiBlocks = append(apiBlocks, block)
			}
		}
		msgs = append(msgs, newBlockMessage(m.Role, apiBlocks))
	}
	return msgs
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func (p *AnthropicProvider) streamOnce(
	model string,
	maxTokens int,
	temperature float64,
	system string,
	history []domain.TranscriptMessage,
	tools []ToolSpec,
	onDelta func(string),
) ([]domain.ContentBlock, string, error) {
	var systemBlocks []anthropicSystemBlock
	if system != "" {
		systemBlocks = []anthropicSystemBlock{
			{
				Type:         "text",
				Text:         system,
				CacheControl: &anthropicCacheControl{Type: "ephemeral"},
			},
		}
	}

	reqBody := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Messages:    buildAnthropicMessages(history),
		Stream:      true,
		Tools:       toAnthropicTools(tools),
		System:      systemBlocks,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling request: %w", err)
	}

	log.Debug("stream_chat request", "model", model, "max_tokens", maxTokens,
		"messages", len(history), "tools", len(tools))

	resp, err := p.post(body)
	if err != nil {
		return nil, "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", readAPIError(resp)
	}

	return parseAnthropicSSE(&lenientReader{r: resp.Body}, onDelta)
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	errType := ""
	errMessage := fmt.Sprintf("HTTP %d", resp.StatusCode)
	var errResp struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &errResp) == nil && errResp.Error != nil {
		errType = errResp.Error.Type
		errMessage = errResp.Error.Message
	}
	return NewAPIError(resp.StatusCode, errType, errMessage, resp.Header)
}

// lenientReader wraps an io.Reader and absorbs transport-level errors
// (chunked encoding issues from TLS-intercepting proxies, connection
// resets) by converting them to io.EOF, so the SSE parser processes all
// data that arrived before the error.
type lenientReader struct {
	r   io.Reader
	err error // saved transport error, nil if clean
}

func (lr *lenientReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if err != nil && err != io.EOF {
		lr.err = err
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

// parseAnthropicSSE parses the SSE stream into content blocks, a raw stop
// reason, and usage (logged at debug level).
func parseAnthropicSSE(body io.Reader, onDelta func(string)) ([]domain.ContentBlock, string, error) {
	var blocks []streamBlock
	usage := Usage{}
	stopReason := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event sseEvent
		if json.Unmarshal([]byte(data), &event) != nil {
			continue
		}

		switch event.Type {
		case "error":
			errType := ""
			errMsg := "unknown API error"
			if event.Error != nil {
				errType = event.Error.Type
				errMsg = event.Error.Message
			}
			return assembleBlocks(blocks), stopReason,
				&APIError{StatusCode: 0, ErrorType: errType, Message: errMsg}

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			sb := streamBlock{}
			if event.ContentBlock != nil {
				sb.blockType = event.ContentBlock.Type
				sb.toolID = event.ContentBlock.ID
				sb.toolName = event.ContentBlock.Name
			}
			for len(blocks) <= event.Index {
				blocks = append(blocks, streamBlock{})
			}
			blocks[event.Index] = sb

		case "content_block_delta":
			if event.Index < len(blocks) {
				switch event.Delta.Type {
				case "text_delta":
					blocks[event.Index].textBuf.WriteString(event.Delta.Text)
					if onDelta != nil {
						onDelta(event.Delta.Text)
					}
				case "input_json_delta":
					blocks[event.Index].jsonBuf.WriteString(event.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
		}
	}

	var transportErr error
	if lr, ok := body.(*lenientReader); ok {
		transportErr = lr.err
	}
	if scanErr := scanner.Err(); scanErr != nil {
		transportErr = scanErr
	}

	if transportErr != nil && stopReason == "" {
		// Text-only partial responses are salvaged as a normal end_turn.
		// Partial tool_use JSON is unsafe, so those fail and retry.
		assembled := assembleBlocks(blocks)
		if len(assembled) > 0 && len(extractToolUses(assembled)) == 0 {
			return assembled, StopEndTurn, nil
		}
		return nil, "", fmt.Errorf("reading stream: %w", transportErr)
	}

	log.Debug("stream_chat response", "stop_reason", stopReason,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)

	return assembleBlocks(blocks), stopReason, nil
}

// assembleBlocks converts streamBlocks into domain.ContentBlocks.
func assembleBlocks(blocks []streamBlock) []domain.ContentBlock {
	var contentBlocks []domain.ContentBlock
	for i := range blocks {
		sb := &blocks[i]
		switch sb.blockType {
		case "text":
			contentBlocks = append(contentBlocks, domain.ContentBlock{
				Type: "text",
				Text: sb.textBuf.String(),
			})
		case "tool_use":
			input := map[string]any{}
			if jsonStr := sb.jsonBuf.String(); jsonStr != "" {
				if err := json.Unmarshal([]byte(jsonStr), &input); err != nil {
					log.Warn("unmarshal tool input", "tool", sb.toolName, "err", err)
				}
			}
			contentBlocks = append(contentBlocks, domain.ContentBlock{
				Type:      "tool_use",
				ToolUseID: sb.toolID,
				ToolName:  sb.toolName,
				ToolInput: input,
			})
		}
	}
	return contentBlocks
}
