package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	obs := NewScripted("{}")

	require.NoError(t, reg.Register(domain.RoleObserver, obs))

	got, err := reg.Get(domain.RoleObserver)
	require.NoError(t, err)
	assert.Same(t, obs, got)

	err = reg.Register(domain.RoleObserver, obs)
	assert.ErrorIs(t, err, domain.ErrRoleUnavailable)

	_, err = reg.Get(domain.RoleVerifier)
	assert.ErrorIs(t, err, domain.ErrRoleUnavailable)
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	for _, role := range []domain.Role{domain.RoleVerifier, domain.RoleObserver, domain.RoleAnalyst} {
		require.NoError(t, reg.Register(role, NewScripted()))
	}
	assert.Equal(t, []domain.Role{domain.RoleAnalyst, domain.RoleObserver, domain.RoleVerifier}, reg.List())
}

func TestRegistry_Roles(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(domain.RoleObserver, NewScripted()))
	require.NoError(t, reg.Register(domain.RoleAnalyst, NewScripted()))

	_, err := reg.Roles()
	require.ErrorIs(t, err, domain.ErrRoleUnavailable)
	assert.Contains(t, err.Error(), "verifier")

	require.NoError(t, reg.Register(domain.RoleVerifier, NewScripted()))
	roles, err := reg.Roles()
	require.NoError(t, err)
	assert.NotNil(t, roles.For(domain.RoleVerifier))
	assert.Nil(t, roles.For(domain.Role("janitor")))
}

// ---------------------------------------------------------------------------
// Scripted
// ---------------------------------------------------------------------------

func TestScripted_QueueThenFallback(t *testing.T) {
	s := NewScripted("one", "two")
	s.Reply = func(_ context.Context, prompt string) (string, error) {
		return "echo:" + prompt, nil
	}
	ctx := context.Background()

	for _, want := range []string{"one", "two", "echo:three"} {
		got, err := s.Ask(ctx, "three")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, s.Calls())
	assert.Len(t, s.Prompts(), 3)
}

func TestScripted_Exhausted(t *testing.T) {
	s := NewScripted()
	_, err := s.Ask(context.Background(), "p")
	assert.ErrorIs(t, err, domain.ErrAgentCall)
}

// ---------------------------------------------------------------------------
// Wrappers
// ---------------------------------------------------------------------------

func TestWithTimeout(t *testing.T) {
	slow := AgentFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := WithTimeout(slow, 20*time.Millisecond).Ask(context.Background(), "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimited_Paces(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	inner := AgentFunc(func(context.Context, string) (string, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return "ok", nil
	})

	// 600 per minute is one call every 100ms after the initial burst of one.
	agent := RateLimited(inner, 600)
	for i := 0; i < 3; i++ {
		_, err := agent.Ask(context.Background(), "p")
		require.NoError(t, err)
	}
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[0]), 150*time.Millisecond)
}

func TestRateLimited_CancelledContext(t *testing.T) {
	agent := RateLimited(NewScripted("a", "b"), 1)
	_, err := agent.Ask(context.Background(), "p")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = agent.Ask(ctx, "p")
	assert.ErrorIs(t, err, domain.ErrAgentCall)
}

// ---------------------------------------------------------------------------
// ProcessAgent
// ---------------------------------------------------------------------------

func TestProcessAgent_EchoesStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	agent, err := New(Spec{
		Kind:    KindProcess,
		Command: "sh",
		Args:    []string{"-c", `printf '%s|' "$BUGLOOP_ROLE"; cat`},
		Env:     map[string]string{"BUGLOOP_ROLE": "observer"},
	})
	require.NoError(t, err)

	got, err := agent.Ask(context.Background(), `{"summary":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, `observer|{"summary":"x"}`, got)
}

func TestProcessAgent_FailureCarriesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	agent := &ProcessAgent{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}}

	_, err := agent.Ask(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrAgentCall)
	assert.Contains(t, err.Error(), "broken")
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
	assert.Equal(t, []string{"A=1"}, mergeEnv([]string{"A=1"}, nil))
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Spec{Kind: KindProcess})
	assert.Error(t, err)

	_, err = New(Spec{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// OpenAIAgent
// ---------------------------------------------------------------------------

func TestOpenAIAgent_Ask(t *testing.T) {
	var gotModel string
	var gotMessages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model    string            `json:"model"`
			Messages []json.RawMessage `json:"messages"`
		}
		assert.NoError(t, json.Unmarshal(body, &req))
		gotModel = req.Model
		gotMessages = len(req.Messages)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"status\":\"PASS\"}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	agent, err := NewOpenAIAgent(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "local-model"})
	require.NoError(t, err)

	got, err := agent.Ask(context.Background(), "verify please")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"PASS"}`, got)
	assert.Equal(t, "local-model", gotModel)
	assert.Equal(t, 2, gotMessages)
}

func TestOpenAIAgent_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	agent, err := NewOpenAIAgent(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, agent.Model())

	_, err = agent.Ask(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAgentCall))
}

func TestNewOpenAIAgent_RequiresKeyOrURL(t *testing.T) {
	_, err := NewOpenAIAgent(OpenAIConfig{})
	assert.Error(t, err)
}
