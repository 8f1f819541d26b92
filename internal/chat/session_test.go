package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/jackbot/internal/config"
)

const testFallback = "fallback text"

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newRAGSession(t *testing.T, h http.Handler, opts ...Option) *Session {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithFallbackMessage(testFallback)}, opts...)
	s := NewSession(&RAGContract{URL: srv.URL + "/api/ask-jackbot"}, opts...)
	require.NoError(t, s.Initialize("PROMPT"))
	return s
}

func newInferenceSession(t *testing.T, h http.Handler) *Session {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s := NewSession(&InferenceContract{URL: srv.URL + "/api/generate", Model: "llama3", EchoRawOnMissing: true}, WithFallbackMessage(testFallback))
	require.NoError(t, s.Initialize("PROMPT"))
	return s
}

func roles(entries []Entry) []Role {
	out := make([]Role, len(entries))
	for i, e := range entries {
		out[i] = e.Role
	}
	return out
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func TestInitialize_CreatesSingleSystemEntry(t *testing.T) {
	s := NewSession(&RAGContract{URL: "http://unused"})
	require.NoError(t, s.Initialize("PROMPT"))

	h := s.History()
	require.Len(t, h, 1)
	require.Equal(t, RoleSystem, h[0].Role)
	require.Equal(t, "PROMPT", h[0].Content)
	require.NotEmpty(t, h[0].ID)
	require.Equal(t, "PROMPT", s.SystemPrompt())

	require.ErrorIs(t, s.Initialize("OTHER"), ErrAlreadyInitialized)
	require.Equal(t, 1, s.Len())
}

func TestSubmit_BeforeInitialize(t *testing.T) {
	s := NewSession(&RAGContract{URL: "http://unused"})
	_, err := s.Submit(context.Background(), "Hello")
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = s.SubmitAsync(context.Background(), "Hello")
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSubmit_RAGSuccess(t *testing.T) {
	var s *Session
	var got ragRequest
	s = newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ask-jackbot", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		// the user entry is already in the history when the request arrives
		h := s.History()
		assert.Len(t, h, 2)
		assert.Equal(t, RoleUser, h[1].Role)

		jsonHandler(http.StatusOK, `{"response":"Bonjour"}`)(w, r)
	}))

	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, reply.Outcome)
	require.Equal(t, "Bonjour", reply.Text)
	require.NoError(t, reply.Err)

	require.Equal(t, "Hello", got.Text)
	require.Equal(t, "PROMPT", got.SystemPrompt)

	h := s.History()
	require.Equal(t, []Role{RoleSystem, RoleUser, RoleBot}, roles(h))
	require.Equal(t, []string{"PROMPT", "Hello", "Bonjour"}, contents(h))
}

func TestSubmit_TrimsInput(t *testing.T) {
	var got ragRequest
	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		jsonHandler(http.StatusOK, `{"response":"ok"}`)(w, r)
	}))

	_, err := s.Submit(context.Background(), "  Hello \n")
	require.NoError(t, err)
	require.Equal(t, "Hello", got.Text)
	require.Equal(t, "Hello", s.History()[1].Content)
}

func TestSubmit_RAGHTTPErrorRollsBack(t *testing.T) {
	rec := &recorder{}
	s := newRAGSession(t, jsonHandler(http.StatusInternalServerError, `{"detail":"Ollama down"}`), WithListener(rec.listen))

	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, reply.Outcome)
	require.Equal(t, testFallback, reply.Text)

	var te *TransportError
	require.ErrorAs(t, reply.Err, &te)
	require.Equal(t, http.StatusInternalServerError, te.Status)
	require.Equal(t, "Ollama down", te.Detail)

	h := s.History()
	require.Equal(t, []Role{RoleSystem}, roles(h))
	require.Equal(t, "PROMPT", h[0].Content)

	// system entry, user entry, rollback of the user entry, fallback
	require.Equal(t, []EventType{EventEntry, EventEntry, EventRollback, EventFallback}, rec.types())
	require.Equal(t, RoleSystem, rec.events[0].Entry.Role)
	require.Equal(t, rec.events[1].Entry.ID, rec.events[2].Entry.ID)
	require.Equal(t, "Hello", rec.events[2].Entry.Content)
	require.Equal(t, RoleBot, rec.events[3].Entry.Role)
	require.Equal(t, testFallback, rec.events[3].Entry.Content)
}

func TestSubmit_RAGMissingResponseIsFailure(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"empty string", `{"response":""}`},
		{"null", `{"response":null}`},
		{"non-string", `{"response":42}`},
		{"not json", `<html>oops</html>`},
		{"array body", `["Bonjour"]`},
		{"null body", `null`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newRAGSession(t, jsonHandler(http.StatusOK, tc.body))
			reply, err := s.Submit(context.Background(), "Hello")
			require.NoError(t, err)
			require.Equal(t, OutcomeFailed, reply.Outcome)
			require.Equal(t, testFallback, reply.Text)
			require.ErrorIs(t, reply.Err, ErrMalformedResponse)
			require.Equal(t, 1, s.Len())
		})
	}
}

func TestSubmit_InferenceSuccess(t *testing.T) {
	var got map[string]any
	s := newInferenceSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		jsonHandler(http.StatusOK, `{"model":"llama3","response":"Salut","done":true}`)(w, r)
	}))

	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, "Salut", reply.Text)
	require.Equal(t, map[string]any{"model": "llama3", "prompt": "Hello", "stream": false}, got)
	require.Equal(t, []string{"PROMPT", "Hello", "Salut"}, contents(s.History()))
}

func TestSubmit_InferenceMissingResponseEchoesBody(t *testing.T) {
	s := newInferenceSession(t, jsonHandler(http.StatusOK, `{}`))

	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, reply.Outcome)
	require.Equal(t, "{}", reply.Text)
	require.Equal(t, []Role{RoleSystem, RoleUser, RoleBot}, roles(s.History()))
	require.Equal(t, "{}", s.History()[2].Content)
}

func TestSubmit_InferenceEchoIsCompacted(t *testing.T) {
	s := newInferenceSession(t, jsonHandler(http.StatusOK, "{\n  \"done\": true,\n  \"model\": \"x\"\n}"))

	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, `{"done":true,"model":"x"}`, reply.Text)
}

func TestSubmit_InferenceHTTPError(t *testing.T) {
	s := newInferenceSession(t, jsonHandler(http.StatusServiceUnavailable, `model loading`))

	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, reply.Outcome)
	require.Equal(t, testFallback, reply.Text)
	require.Equal(t, 1, s.Len())
}

func TestSubmit_BlankInputIsIgnored(t *testing.T) {
	var calls atomic.Int32
	rec := &recorder{}
	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonHandler(http.StatusOK, `{"response":"x"}`)(w, r)
	}), WithListener(rec.listen))

	for _, in := range []string{"", "   ", "\n\t "} {
		reply, err := s.Submit(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, OutcomeIgnored, reply.Outcome)
		require.ErrorIs(t, reply.Err, ErrEmptyInput)
		require.Empty(t, reply.Text)
	}

	ch, err := s.SubmitAsync(context.Background(), " ")
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, (<-ch).Outcome)

	require.Zero(t, calls.Load())
	require.Equal(t, 1, s.Len())
	// only the system entry from Initialize was rendered
	require.Equal(t, []EventType{EventEntry}, rec.types())
}

func TestSubmit_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `{"response":"x"}`))
	url := srv.URL
	srv.Close()

	s := NewSession(&RAGContract{URL: url}, WithFallbackMessage(testFallback))
	require.NoError(t, s.Initialize("PROMPT"))

	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, reply.Outcome)
	require.Equal(t, testFallback, reply.Text)

	var te *TransportError
	require.ErrorAs(t, reply.Err, &te)
	require.Zero(t, te.Status)
	require.Equal(t, 1, s.Len())
}

func TestSubmit_CancelledContextRollsBack(t *testing.T) {
	release := make(chan struct{})
	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	// registered after the server's Close so it runs first and frees the handler
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	reply, err := s.Submit(ctx, "Hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, reply.Outcome)
	require.ErrorIs(t, reply.Err, context.DeadlineExceeded)
	require.Equal(t, 1, s.Len())
}

func TestSubmit_SystemEntryStaysFirst(t *testing.T) {
	var n atomic.Int32
	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1)%2 == 0 {
			jsonHandler(http.StatusInternalServerError, `{}`)(w, r)
			return
		}
		jsonHandler(http.StatusOK, `{"response":"ok"}`)(w, r)
	}))

	for i := 0; i < 6; i++ {
		_, err := s.Submit(context.Background(), "msg")
		require.NoError(t, err)
	}

	h := s.History()
	require.Len(t, h, 1+3*2)
	systems := 0
	for i, e := range h {
		if e.Role == RoleSystem {
			systems++
			require.Zero(t, i)
		}
	}
	require.Equal(t, 1, systems)
}

func TestSubmitAsync_AppendsUserEntryBeforeReturning(t *testing.T) {
	release := make(chan struct{})
	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		jsonHandler(http.StatusOK, `{"response":"later"}`)(w, r)
	}))

	ch, err := s.SubmitAsync(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, []Role{RoleSystem, RoleUser}, roles(s.History()))

	close(release)
	reply := <-ch
	require.Equal(t, "later", reply.Text)
	_, open := <-ch
	require.False(t, open)
	require.Equal(t, []string{"PROMPT", "Hello", "later"}, contents(s.History()))
}

func TestSubmit_SerialRequestsKeepOrder(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			old := maxInFlight.Load()
			if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
				break
			}
		}
		defer inFlight.Add(-1)

		var req ragRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Text == "first" {
			time.Sleep(50 * time.Millisecond)
		}
		jsonHandler(http.StatusOK, `{"response":"re: `+req.Text+`"}`)(w, r)
	}), WithSerialRequests(true))

	first, err := s.SubmitAsync(context.Background(), "first")
	require.NoError(t, err)
	second, err := s.SubmitAsync(context.Background(), "second")
	require.NoError(t, err)

	require.Equal(t, "re: first", (<-first).Text)
	require.Equal(t, "re: second", (<-second).Text)

	require.Equal(t, int32(1), maxInFlight.Load())
	require.Equal(t, []string{"PROMPT", "first", "second", "re: first", "re: second"}, contents(s.History()))
}

func TestSubmit_ConcurrentRequestsInterleave(t *testing.T) {
	secondArrived := make(chan struct{})
	secondAnswered := make(chan struct{})
	var once sync.Once

	listener := func(ev Event) {
		if ev.Type == EventEntry && ev.Entry.Content == "re: second" {
			once.Do(func() { close(secondAnswered) })
		}
	}

	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ragRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Text == "first" {
			<-secondArrived
			<-secondAnswered
		} else {
			close(secondArrived)
		}
		jsonHandler(http.StatusOK, `{"response":"re: `+req.Text+`"}`)(w, r)
	}), WithListener(listener))

	first, err := s.SubmitAsync(context.Background(), "first")
	require.NoError(t, err)
	second, err := s.SubmitAsync(context.Background(), "second")
	require.NoError(t, err)

	require.Equal(t, "re: second", (<-second).Text)
	require.Equal(t, "re: first", (<-first).Text)
	require.Equal(t, []string{"PROMPT", "first", "second", "re: second", "re: first"}, contents(s.History()))
}

func TestSubmit_RollbackRemovesOwnEntryOnly(t *testing.T) {
	secondAnswered := make(chan struct{})
	var once sync.Once

	s := newRAGSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ragRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Text == "first" {
			<-secondAnswered
			jsonHandler(http.StatusBadGateway, `{"detail":"boom"}`)(w, r)
			return
		}
		jsonHandler(http.StatusOK, `{"response":"re: second"}`)(w, r)
	}), WithListener(func(ev Event) {
		if ev.Type == EventEntry && ev.Entry.Role == RoleBot {
			once.Do(func() { close(secondAnswered) })
		}
	}))

	first, err := s.SubmitAsync(context.Background(), "first")
	require.NoError(t, err)
	second, err := s.SubmitAsync(context.Background(), "second")
	require.NoError(t, err)

	require.Equal(t, OutcomeSucceeded, (<-second).Outcome)
	require.Equal(t, OutcomeFailed, (<-first).Outcome)
	require.Equal(t, []string{"PROMPT", "second", "re: second"}, contents(s.History()))
}

func TestExchange_ReturnsToIdle(t *testing.T) {
	for name, h := range map[string]http.HandlerFunc{
		"success": jsonHandler(http.StatusOK, `{"response":"ok"}`),
		"failure": jsonHandler(http.StatusInternalServerError, `{}`),
	} {
		t.Run(name, func(t *testing.T) {
			s := newRAGSession(t, h)
			ex := newExchange(s, "Hello", nil)
			require.Equal(t, stateIdle, ex.state())

			ex.start(context.Background())
			require.Equal(t, stateSent, ex.state())

			ex.finish(context.Background())
			require.Equal(t, stateIdle, ex.state())
		})
	}
}

func TestFromConfig(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `{}`))
	t.Cleanup(srv.Close)

	s, err := FromConfig(config.ChatConfig{
		Contract:         config.ContractInference,
		URL:              srv.URL,
		Model:            "llama3",
		SystemPrompt:     "PROMPT",
		FallbackMessage:  testFallback,
		EchoRawOnMissing: false,
		SerialRequests:   true,
	})
	require.NoError(t, err)
	require.Equal(t, config.ContractInference, s.Contract().Name())
	require.NotEmpty(t, s.ID())
	require.Equal(t, "PROMPT", s.SystemPrompt())
	require.True(t, s.serial)

	// strict inference contract: {} is a failure, not an echo
	reply, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, reply.Outcome)
	require.Equal(t, testFallback, reply.Text)

	_, err = FromConfig(config.ChatConfig{Contract: "grpc"})
	require.Error(t, err)
}

func TestSubmit_RAGSendsSystemEntryContent(t *testing.T) {
	var got ragRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		jsonHandler(http.StatusOK, `{"response":"ok"}`)(w, r)
	}))
	t.Cleanup(srv.Close)

	s := NewSession(&RAGContract{URL: srv.URL})
	require.NoError(t, s.Initialize("FROM HISTORY"))

	_, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, "FROM HISTORY", got.SystemPrompt)
}
