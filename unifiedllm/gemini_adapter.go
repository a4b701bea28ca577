package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// geminiModels is the part of *genai.Models the adapter uses.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiAdapter talks to the Gemini API through google.golang.org/genai.
type GeminiAdapter struct {
	models geminiModels
	model  string
}

// NewGeminiAdapter creates an adapter for the Gemini API. model is used when
// a request does not name one.
func NewGeminiAdapter(ctx context.Context, apiKey, model string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "missing Gemini API key"}}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &GeminiAdapter{models: client.Models, model: model}, nil
}

// Name returns the provider identifier.
func (a *GeminiAdapter) Name() string { return "gemini" }

// Complete sends one generateContent call.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, &InvalidRequestError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "cannot translate messages", Cause: err}, Provider: a.Name(), StatusCode: 400,
		}}
	}

	model := req.Model
	if model == "" {
		model = a.model
	}

	resp, err := a.models.GenerateContent(ctx, model, contents, geminiConfig(req))
	if err != nil {
		return nil, translateGeminiError(err)
	}
	return fromGeminiResponse(model, resp), nil
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if sys := req.SystemPrompt(); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if len(req.ToolDefs) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.ToolDefs))
		for _, td := range req.ToolDefs {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  schemaFromMap(td.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		fc := &genai.FunctionCallingConfig{}
		switch req.ToolChoice.Mode {
		case "none":
			fc.Mode = genai.FunctionCallingConfigModeNone
		case "required":
			fc.Mode = genai.FunctionCallingConfigModeAny
		case "named":
			fc.Mode = genai.FunctionCallingConfigModeAny
			fc.AllowedFunctionNames = []string{req.ToolChoice.ToolName}
		default:
			fc.Mode = genai.FunctionCallingConfigModeAuto
		}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fc}
	}
	return cfg
}

// schemaFromMap converts a JSON Schema map into a genai.Schema. Only the
// keywords Gemini understands are carried over.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	s.Required = stringList(m["required"])
	s.Enum = stringList(m["enum"])
	return s
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// toGeminiContents translates the conversation. System messages are skipped
// (they travel as the system instruction) and tool results are sent as
// function responses in a user turn.
func toGeminiContents(msgs []Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var c *genai.Content
		switch m.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			c = &genai.Content{Role: string(genai.RoleModel)}
		default:
			c = &genai.Content{Role: string(genai.RoleUser)}
		}

		for _, part := range m.Content {
			switch part.Kind {
			case ContentText:
				if part.Text != "" {
					c.Parts = append(c.Parts, &genai.Part{Text: part.Text})
				}
			case ContentToolCall:
				args := map[string]any{}
				if len(part.ToolCall.Arguments) > 0 {
					if err := json.Unmarshal(part.ToolCall.Arguments, &args); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", part.ToolCall.Name, err)
					}
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCall.ID,
					Name: part.ToolCall.Name,
					Args: args,
				}})
			case ContentToolResult:
				p := genai.NewPartFromFunctionResponse(part.ToolResult.Name, resultObject(part.ToolResult.Content))
				p.FunctionResponse.ID = part.ToolResult.ToolCallID
				c.Parts = append(c.Parts, p)
			}
		}
		if len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

// resultObject decodes a tool result into the object Gemini expects,
// wrapping non-object values under "result".
func resultObject(raw json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]any{"result": v}
	}
	return map[string]any{"result": string(raw)}
}

func fromGeminiResponse(model string, resp *genai.GenerateContentResponse) *Response {
	out := &Response{
		ID:       resp.ResponseID,
		Model:    model,
		Provider: "gemini",
		Message:  Message{Role: RoleAssistant},
	}
	if out.ID == "" {
		out.ID = "resp_" + uuid.New().String()[:8]
	}

	hasCalls := false
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		out.FinishReason = geminiFinishReason(string(cand.FinishReason))
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil {
					continue
				}
				switch {
				case p.FunctionCall != nil:
					hasCalls = true
					args, _ := json.Marshal(p.FunctionCall.Args)
					id := p.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.New().String()[:8]
					}
					out.Message.Content = append(out.Message.Content, ToolCallPart(id, p.FunctionCall.Name, args))
				case p.Thought && p.Text != "":
					out.Message.Content = append(out.Message.Content, ContentPart{
						Kind: ContentThinking, Thinking: &ThinkingData{Text: p.Text},
					})
				case p.Text != "":
					out.Message.Content = append(out.Message.Content, TextPart(p.Text))
				}
			}
		}
	}
	if hasCalls {
		out.FinishReason = FinishReason{Reason: "tool_calls", Raw: out.FinishReason.Raw}
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out
}

func geminiFinishReason(raw string) FinishReason {
	switch raw {
	case "STOP":
		return FinishReason{Reason: "stop", Raw: raw}
	case "MAX_TOKENS":
		return FinishReason{Reason: "length", Raw: raw}
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishReason{Reason: "content_filter", Raw: raw}
	case "":
		return FinishReason{Reason: "stop"}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// translateGeminiError maps a genai failure onto the unified hierarchy using
// the RPC status carried in the error text.
func translateGeminiError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}

	var status string
	var code int
	switch {
	case has("RESOURCE_EXHAUSTED", "Error 429"):
		status, code = "RESOURCE_EXHAUSTED", 429
	case has("UNAVAILABLE", "Error 503"):
		status, code = "UNAVAILABLE", 503
	case has("INVALID_ARGUMENT", "Error 400"):
		status, code = "INVALID_ARGUMENT", 400
	case has("UNAUTHENTICATED", "Error 401"):
		status, code = "UNAUTHENTICATED", 401
	case has("PERMISSION_DENIED", "Error 403"):
		status, code = "PERMISSION_DENIED", 403
	case has("NOT_FOUND", "Error 404"):
		status, code = "NOT_FOUND", 404
	case has("DEADLINE_EXCEEDED", "Error 504"):
		status, code = "DEADLINE_EXCEEDED", 504
	case has("INTERNAL", "Error 500"):
		status, code = "INTERNAL", 500
	default:
		return &ProviderError{
			SDKError:  SDKError{Message: msg, Cause: err},
			Provider:  "gemini",
			Retryable: true,
		}
	}
	return ErrorFromStatusCode(code, msg, "gemini", status, err)
}
