package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tmc/langchaingo/llms"
)

// Message is the shape stored in a messages channel.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m Message) Map() map[string]any {
	return map[string]any{"role": m.Role, "content": m.Content}
}

// Messages reads a messages channel tolerating both decoded ([]any of
// maps) and freshly built ([]map[string]any) shapes.
func Messages(state map[string]any, key string) []Message {
	raw := toSlice(state[key])
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		switch typed := item.(type) {
		case Message:
			out = append(out, typed)
		case map[string]any:
			role, _ := typed["role"].(string)
			content, _ := typed["content"].(string)
			out = append(out, Message{Role: role, Content: content})
		case map[string]string:
			out = append(out, Message{Role: typed["role"], Content: typed["content"]})
		case string:
			out = append(out, Message{Role: "user", Content: typed})
		}
	}
	return out
}

// LastMessage returns the newest message with the given role, or with any
// role when role is empty.
func LastMessage(state map[string]any, key, role string) (Message, bool) {
	messages := Messages(state, key)
	for i := len(messages) - 1; i >= 0; i-- {
		if role == "" || messages[i].Role == role {
			return messages[i], true
		}
	}
	return Message{}, false
}

var templateFuncs = template.FuncMap{
	"json": func(value any) string {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(data)
	},
	"lastUser": func(value any) string {
		msg, _ := LastMessage(map[string]any{"m": value}, "m", "user")
		return msg.Content
	},
	"lastAssistant": func(value any) string {
		msg, _ := LastMessage(map[string]any{"m": value}, "m", "assistant")
		return msg.Content
	},
}

func ParseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
}

func render(tpl *template.Template, state map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, state); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// LLMNode asks a model for a completion. With a Prompt the rendered text is
// sent as a single human turn; otherwise the conversation in MessagesKey is
// replayed. AsMessage appends the reply as an assistant message to Output.
type LLMNode struct {
	Model       llms.Model
	System      string
	Prompt      *template.Template
	MessagesKey string
	HistoryLen  int
	Output      string
	AsMessage   bool
	JSON        bool
	Options     []llms.CallOption
}

func (n *LLMNode) Run(ctx context.Context, state map[string]any) (map[string]any, error) {
	if n.Model == nil {
		return nil, fmt.Errorf("llm node has no model")
	}
	content := []llms.MessageContent{}
	if strings.TrimSpace(n.System) != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, n.System))
	}
	if n.Prompt != nil {
		prompt, err := render(n.Prompt, state)
		if err != nil {
			return nil, fmt.Errorf("rendering prompt: %w", err)
		}
		content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
	} else {
		history := Messages(state, n.messagesKey())
		if n.HistoryLen > 0 && len(history) > n.HistoryLen {
			history = history[len(history)-n.HistoryLen:]
		}
		if len(history) == 0 {
			return nil, fmt.Errorf("no messages in %q to answer", n.messagesKey())
		}
		for _, msg := range history {
			content = append(content, llms.TextParts(chatRole(msg.Role), msg.Content))
		}
	}

	resp, err := n.Model.GenerateContent(ctx, content, n.Options...)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}
	text := strings.TrimSpace(resp.Choices[0].Content)

	if n.JSON {
		parsed, err := ParseJSONOutput(text)
		if err != nil {
			return nil, err
		}
		return map[string]any{n.Output: parsed}, nil
	}
	if n.AsMessage {
		return map[string]any{n.Output: []any{Message{Role: "assistant", Content: text}.Map()}}, nil
	}
	return map[string]any{n.Output: text}, nil
}

func (n *LLMNode) messagesKey() string {
	if n.MessagesKey == "" {
		return "messages"
	}
	return n.MessagesKey
}

func chatRole(role string) llms.ChatMessageType {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "ai":
		return llms.ChatMessageTypeAI
	case "system":
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}

// ParseJSONOutput pulls a JSON value out of model output, tolerating
// prose around it, code fences and the usual syntax slips.
func ParseJSONOutput(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return nil, fmt.Errorf("empty model output")
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}
	candidate := extractJSONObject(trimmed)
	if candidate != "" {
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed, nil
		}
	} else {
		candidate = trimmed
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("model output is not JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, fmt.Errorf("model output is not JSON after repair: %w", err)
	}
	return parsed, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(raw[start : end+1])
}

// TemplateNode renders Text against the state into Output.
type TemplateNode struct {
	Text      *template.Template
	Output    string
	AsMessage bool
	Role      string
}

func (n *TemplateNode) Run(_ context.Context, state map[string]any) (map[string]any, error) {
	text, err := render(n.Text, state)
	if err != nil {
		return nil, err
	}
	if n.AsMessage {
		role := n.Role
		if role == "" {
			role = "assistant"
		}
		return map[string]any{n.Output: []any{Message{Role: role, Content: text}.Map()}}, nil
	}
	return map[string]any{n.Output: text}, nil
}

// SetNode writes fixed values.
type SetNode struct {
	Values map[string]any
}

func (n *SetNode) Run(context.Context, map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(n.Values))
	for key, value := range n.Values {
		out[key] = value
	}
	return out, nil
}
