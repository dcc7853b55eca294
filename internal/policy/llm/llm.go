// Package llm implements a model-backed decision policy over an
// OpenAI-compatible chat-completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/gmail"
)

const (
	// DefaultEndpoint is the Groq OpenAI-compatible API root.
	DefaultEndpoint = "https://api.groq.com/openai/v1"
	// DefaultModel is used when the config names none.
	DefaultModel = "llama-3.3-70b-versatile"

	// maxBodyChars bounds how much of the message body goes into the
	// prompt.
	maxBodyChars = 4000
)

const systemPrompt = `You triage incoming email for a busy professional.
For each email, choose exactly one action:
- "reply": the email asks a direct question or needs a response. Provide a short, polite reply in "body".
- "archive": promotions, newsletters, receipts, notifications and other mail that needs no response.
- "add_label": the email should be kept visible but tagged. Provide the label name in "label".
- "forward": the email must be handled by someone else. Provide the recipient in "address".
- "noop": leave the email alone.
Respond with a single JSON object and nothing else:
{"action": "...", "body": "...", "label": "...", "address": "...", "reasoning": "..."}`

// Config configures a model-backed policy.
type Config struct {
	// Endpoint is the API root; "/chat/completions" is appended.
	Endpoint string
	// Model names the chat model.
	Model string
	// APIKey authenticates requests. Required.
	APIKey string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Policy asks a chat model to classify each message.
type Policy struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New validates the config and returns a policy. A missing API key is
// an error here, at startup, rather than on first use.
func New(cfg Config) (*Policy, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: missing API key")
	}
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Policy{
		endpoint:   endpoint,
		model:      model,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// decision is the JSON object the model must return.
type decision struct {
	Action    string `json:"action"`
	Body      string `json:"body"`
	Label     string `json:"label"`
	Address   string `json:"address"`
	Reasoning string `json:"reasoning"`
}

// Decide sends one message to the model and parses its decision. Any
// transport failure, non-JSON reply or unknown action is returned as an
// error; the caller records those as policy failures.
func (p *Policy) Decide(ctx context.Context, msg *gmail.Message) (gmail.Action, error) {
	req := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: renderMessage(msg)},
		},
	}
	req.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(req)
	if err != nil {
		return gmail.Action{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return gmail.Action{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return gmail.Action{}, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gmail.Action{}, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gmail.Action{}, fmt.Errorf("model returned %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return gmail.Action{}, fmt.Errorf("parse model response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return gmail.Action{}, fmt.Errorf("model returned no choices")
	}

	return parseDecision(cr.Choices[0].Message.Content)
}

// parseDecision strictly parses the model's JSON object into an action.
func parseDecision(content string) (gmail.Action, error) {
	var d decision
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return gmail.Action{}, fmt.Errorf("parse decision %q: %w", truncate(content, 200), err)
	}

	action := gmail.ActionFromRecord(d.Action, "")
	switch action.Kind {
	case gmail.ActionReply:
		action.Body = d.Body
	case gmail.ActionAddLabel:
		action.Label = d.Label
	case gmail.ActionForward:
		action.Address = d.Address
	}
	if err := action.Validate(); err != nil {
		return gmail.Action{}, fmt.Errorf("model decision: %w", err)
	}
	return action, nil
}

// renderMessage flattens the message into the prompt payload.
func renderMessage(msg *gmail.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", msg.Header("From"))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Header("Subject"))
	if v := msg.Header("List-Unsubscribe"); v != "" {
		fmt.Fprintf(&b, "List-Unsubscribe: %s\n", v)
	}
	if len(msg.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(msg.Labels, ", "))
	}
	b.WriteString("\n")
	b.WriteString(truncate(msg.Body, maxBodyChars))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
