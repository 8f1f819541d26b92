// Package chat holds the conversation state of one chat widget and mediates
// every request/response exchange with the language-model backend.
//
// A Session owns its transcript. Submit appends the user's turn, sends exactly
// one request through the configured Contract and either appends the bot reply
// or rolls the user turn back and answers with a fixed fallback message.
// Backend failures never reach the caller as errors.
package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/jackbot/internal/config"
	"github.com/comigor/jackbot/internal/logger"
)

// DefaultFallbackMessage is shown when an exchange fails.
const DefaultFallbackMessage = "Sorry, an error occurred. Please try again later."

// Outcome is how a submit ended.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Reply is what the UI renders for one submit: the backend reply, or the
// fallback message. Err carries the diagnostic cause and is not for display.
type Reply struct {
	Text    string
	Outcome Outcome
	Err     error
}

// HTTPDoer is the subset of *http.Client the session needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(s *Session) { s.client = c }
}

// WithFallbackMessage sets the text shown when an exchange fails.
func WithFallbackMessage(msg string) Option {
	return func(s *Session) {
		if strings.TrimSpace(msg) != "" {
			s.fallback = msg
		}
	}
}

// WithSerialRequests queues exchanges so only one request is in flight and
// replies arrive in submission order. User entries are still appended at once.
func WithSerialRequests(on bool) Option {
	return func(s *Session) { s.serial = on }
}

// WithListener registers a render callback.
func WithListener(l Listener) Option {
	return func(s *Session) { s.listeners = append(s.listeners, l) }
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is one conversation with one backend.
type Session struct {
	id        string
	contract  Contract
	client    HTTPDoer
	fallback  string
	serial    bool
	now       func() time.Time
	listeners []Listener

	hist history

	queueMu sync.Mutex
	tail    chan struct{}
}

// NewSession creates an uninitialized session talking to contract.
func NewSession(contract Contract, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		contract: contract,
		client:   &http.Client{},
		fallback: DefaultFallbackMessage,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromConfig builds and initializes a session from the chat configuration.
func FromConfig(cfg config.ChatConfig, opts ...Option) (*Session, error) {
	contract, err := NewContract(cfg)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		WithFallbackMessage(cfg.FallbackMessage),
		WithSerialRequests(cfg.SerialRequests),
	}
	s := NewSession(contract, append(base, opts...)...)
	if err := s.Initialize(cfg.SystemPrompt); err != nil {
		return nil, err
	}
	return s, nil
}

// ID identifies the session in logs and on the wire.
func (s *Session) ID() string { return s.id }

// Contract returns the backend contract in use.
func (s *Session) Contract() Contract { return s.contract }

// Initialize creates the history with its single system entry.
func (s *Session) Initialize(systemPrompt string) error {
	e := newEntry(RoleSystem, systemPrompt, s.now())
	if !s.hist.init(e) {
		return ErrAlreadyInitialized
	}
	logger.L.Debug("chat session initialized", "session", s.id, "contract", s.contract.Name())
	s.emit(Event{Type: EventEntry, Entry: e})
	return nil
}

// History returns a copy of the transcript.
func (s *Session) History() []Entry { return s.hist.snapshot() }

// Len is the number of entries in the transcript, system entry included.
func (s *Session) Len() int { return s.hist.size() }

// SystemPrompt returns the content of the system entry.
func (s *Session) SystemPrompt() string {
	h := s.hist.snapshot()
	if len(h) == 0 {
		return ""
	}
	return h[0].Content
}

// Submit sends one user message and blocks until the exchange resolves. The
// user entry is appended (and rendered) before the request goes out. The only
// error returned is ErrNotInitialized; backend failures come back as a Reply
// with OutcomeFailed and the fallback text.
func (s *Session) Submit(ctx context.Context, userText string) (Reply, error) {
	ex, reply, err := s.begin(ctx, userText)
	if err != nil || ex == nil {
		return reply, err
	}
	return ex.finish(ctx), nil
}

// SubmitAsync appends the user entry before returning and resolves the
// exchange in the background. The channel yields exactly one Reply.
func (s *Session) SubmitAsync(ctx context.Context, userText string) (<-chan Reply, error) {
	out := make(chan Reply, 1)
	ex, reply, err := s.begin(ctx, userText)
	if err != nil {
		close(out)
		return nil, err
	}
	if ex == nil {
		out <- reply
		close(out)
		return out, nil
	}
	go func() {
		defer close(out)
		out <- ex.finish(ctx)
	}()
	return out, nil
}

// begin runs the synchronous half of a submit. A nil exchange with a nil error
// means the input was ignored.
func (s *Session) begin(ctx context.Context, userText string) (*exchange, Reply, error) {
	if !s.hist.initialized() {
		return nil, Reply{}, ErrNotInitialized
	}
	text := strings.TrimSpace(userText)
	if text == "" {
		return nil, Reply{Outcome: OutcomeIgnored, Err: ErrEmptyInput}, nil
	}
	ex := newExchange(s, text, s.takeTicket())
	ex.start(ctx)
	return ex, Reply{}, nil
}

// post performs the single HTTP exchange for text.
func (s *Session) post(ctx context.Context, text string) (string, error) {
	body, err := s.contract.BuildBody(s.SystemPrompt(), text)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.contract.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.L.Warn("close response body", "session", s.id, "error", cerr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Status: resp.StatusCode, Err: err}
	}
	logger.L.Debug("backend responded", "session", s.id, "status", resp.StatusCode, "bytes", len(raw))
	return s.contract.ExtractReply(resp.StatusCode, raw)
}

func (s *Session) emit(ev Event) {
	for _, l := range s.listeners {
		l(ev)
	}
}

// ticket orders exchanges in serial mode. wait blocks until every earlier
// exchange has released; release must be called exactly once.
type ticket struct {
	prev chan struct{}
	done chan struct{}
}

func (s *Session) takeTicket() *ticket {
	if !s.serial {
		return nil
	}
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	t := &ticket{prev: s.tail, done: make(chan struct{})}
	s.tail = t.done
	return t
}

func (t *ticket) wait(ctx context.Context) error {
	if t == nil || t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release lets the next exchange go. If this one gave up waiting, the hand-off
// is deferred until its predecessor finishes so two requests never overlap.
func (t *ticket) release(waited bool) {
	if t == nil {
		return
	}
	if waited || t.prev == nil {
		close(t.done)
		return
	}
	go func() {
		<-t.prev
		close(t.done)
	}()
}
