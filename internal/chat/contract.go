package chat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/comigor/jackbot/internal/config"
)

// Contract is the request/response shape of one backend endpoint.
type Contract interface {
	Name() string
	Endpoint() string
	// BuildBody encodes the request for a single user message. systemPrompt is
	// the content of the session's system entry.
	BuildBody(systemPrompt, userText string) ([]byte, error)
	// ExtractReply maps the HTTP status and raw body to reply text. Any error
	// means the exchange failed.
	ExtractReply(status int, body []byte) (string, error)
}

// RAGContract talks to the retrieval-augmented /api/ask-jackbot endpoint. It is
// strict: a success response without a usable "response" field is a failure.
type RAGContract struct {
	URL string
}

type ragRequest struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"system_prompt"`
}

func (c *RAGContract) Name() string     { return config.ContractRAG }
func (c *RAGContract) Endpoint() string { return c.URL }

func (c *RAGContract) BuildBody(systemPrompt, userText string) ([]byte, error) {
	return json.Marshal(ragRequest{Text: userText, SystemPrompt: systemPrompt})
}

func (c *RAGContract) ExtractReply(status int, body []byte) (string, error) {
	if !isSuccess(status) {
		return "", &TransportError{Status: status, Detail: errorDetail(body)}
	}
	fields, err := decodeObject(body)
	if err != nil {
		return "", err
	}
	reply, ok := stringField(fields, "response")
	if !ok {
		return "", fmt.Errorf("%w: no response field", ErrMalformedResponse)
	}
	return reply, nil
}

// InferenceContract talks to a direct model endpoint (Ollama /api/generate).
// With EchoRawOnMissing set, a success body lacking "response" is returned
// verbatim (compacted) as the reply instead of failing.
type InferenceContract struct {
	URL              string
	Model            string
	EchoRawOnMissing bool
}

type inferenceRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

func (c *InferenceContract) Name() string     { return config.ContractInference }
func (c *InferenceContract) Endpoint() string { return c.URL }

func (c *InferenceContract) BuildBody(_, userText string) ([]byte, error) {
	return json.Marshal(inferenceRequest{Model: c.Model, Prompt: userText, Stream: false})
}

func (c *InferenceContract) ExtractReply(status int, body []byte) (string, error) {
	if !isSuccess(status) {
		return "", &TransportError{Status: status, Detail: errorDetail(body)}
	}
	fields, err := decodeObject(body)
	if err != nil {
		return "", err
	}
	if reply, ok := stringField(fields, "response"); ok {
		return reply, nil
	}
	if !c.EchoRawOnMissing {
		return "", fmt.Errorf("%w: no response field", ErrMalformedResponse)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return buf.String(), nil
}

// NewContract builds the contract selected in the chat configuration.
func NewContract(cfg config.ChatConfig) (Contract, error) {
	switch cfg.Contract {
	case config.ContractRAG:
		return &RAGContract{URL: cfg.URL}, nil
	case config.ContractInference:
		return &InferenceContract{URL: cfg.URL, Model: cfg.Model, EchoRawOnMissing: cfg.EchoRawOnMissing}, nil
	default:
		return nil, fmt.Errorf("unsupported contract %q", cfg.Contract)
	}
}

func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: body is not an object", ErrMalformedResponse)
	}
	return fields, nil
}

// stringField reports a non-empty string field. Empty strings, nulls and
// non-string values are treated as absent.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// errorDetail pulls the "detail" description out of an error body, if any.
func errorDetail(body []byte) string {
	var e struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Detail == nil {
		return ""
	}
	if s, ok := e.Detail.(string); ok {
		return s
	}
	b, err := json.Marshal(e.Detail)
	if err != nil {
		return ""
	}
	return string(b)
}
