package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/stream"
	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSocket(t *testing.T, env *testEnv, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/socketio/ai-completions"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame{Event: event, Data: payload}))
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// expectSilence asserts that no frame arrives within a short window
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var f frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "unexpected %q frame", f.Event)
	var netErr net.Error
	assert.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected a read timeout, got %v", err)
}

func sessionCancelled(env *testEnv, i int) func() bool {
	return func() bool {
		s := env.completer.session(i)
		return s != nil && s.State() == stream.Cancelled
	}
}

func TestSocket_RejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, 100)

	_, resp, err := dialSocket(t, env, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocket_StreamsTokensInOrder(t *testing.T) {
	env := newTestEnv(t, 100)
	env.completer.tokens = []string{"The", " quick", " brown", " fox"}

	conn, _, err := dialSocket(t, env, signToken(t, testSecret, "user-1"))
	require.NoError(t, err)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "Continue:", Position: 42, ModelID: "claude-3-haiku-20240307"})

	var got []string
	for {
		f := readFrame(t, conn)
		if f.Event == "completion_end" {
			break
		}
		require.Equal(t, "token", f.Event)
		var data tokenData
		require.NoError(t, json.Unmarshal(f.Data, &data))
		got = append(got, data.Text)
	}
	assert.Equal(t, []string{"The", " quick", " brown", " fox"}, got)

	req := env.completer.lastRequest()
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "claude-3-haiku-20240307", req.Model)
	assert.Equal(t, 42, req.Position)
	require.NotNil(t, req.Options.MaxTokens)
	require.NotNil(t, req.Options.Temperature)
	assert.Equal(t, 500, *req.Options.MaxTokens)
	assert.InDelta(t, 0.7, *req.Options.Temperature, 1e-6)
}

func TestSocket_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, 100)
	env.completer.err = apierr.QuotaExceeded("quota")

	conn, _, err := dialSocket(t, env, signToken(t, testSecret, "user-1"))
	require.NoError(t, err)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "hi", ModelID: "gpt-4o"})

	f := readFrame(t, conn)
	require.Equal(t, "error", f.Event)
	var data errorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.Equal(t, stream.CodeUsageLimitExceeded, data.Code)
	assert.Equal(t, "Usage limit exceeded. Please upgrade your subscription.", data.Message)
}

func TestSocket_ProviderFailure(t *testing.T) {
	env := newTestEnv(t, 100)
	env.completer.tokens = []string{"partial"}
	env.completer.streamErr = true

	conn, _, err := dialSocket(t, env, signToken(t, testSecret, "user-1"))
	require.NoError(t, err)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "hi", ModelID: "gpt-4o"})

	assert.Equal(t, "token", readFrame(t, conn).Event)
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Event)
	var data errorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.Equal(t, stream.CodeAIServiceError, data.Code)
}

func TestSocket_UnknownModelIsServiceError(t *testing.T) {
	env := newTestEnv(t, 100)
	env.completer.err = apierr.Validation("unsupported model: unknown-model-x")

	conn, _, err := dialSocket(t, env, signToken(t, testSecret, "user-1"))
	require.NoError(t, err)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "hi", ModelID: "unknown-model-x"})

	f := readFrame(t, conn)
	var data errorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.Equal(t, stream.CodeAIServiceError, data.Code)
}

func TestSocket_CancelCompletionStopsStream(t *testing.T) {
	env := newTestEnv(t, 100)
	env.completer.tokens = []string{"first"}
	env.completer.hang = true

	conn, _, err := dialSocket(t, env, signToken(t, testSecret, "user-1"))
	require.NoError(t, err)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "hi", ModelID: "gpt-4o"})
	require.Equal(t, "token", readFrame(t, conn).Event)

	sendFrame(t, conn, "cancel_completion", struct{}{})

	require.Eventually(t, sessionCancelled(env, 0), 2*time.Second, 10*time.Millisecond)
	expectSilence(t, conn)
}

func TestSocket_NewRequestCancelsActiveSession(t *testing.T) {
	env := newTestEnv(t, 100)
	env.completer.tokens = []string{"tok"}
	env.completer.hang = true

	conn, _, err := dialSocket(t, env, signToken(t, testSecret, "user-1"))
	require.NoError(t, err)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "one", ModelID: "gpt-4o"})
	require.Equal(t, "token", readFrame(t, conn).Event)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "two", ModelID: "gpt-4o"})
	require.Equal(t, "token", readFrame(t, conn).Event)

	require.Eventually(t, sessionCancelled(env, 0), 2*time.Second, 10*time.Millisecond)
	second := env.completer.session(1)
	require.NotNil(t, second)
	assert.Equal(t, stream.Active, second.State())
	assert.Equal(t, "two", env.completer.lastRequest().Prompt)
}

func TestSocket_CloseDisconnectsOpenSockets(t *testing.T) {
	env := newTestEnv(t, 100)
	env.completer.tokens = []string{"tok"}
	env.completer.hang = true
	token := signToken(t, testSecret, "user-1")

	conn, _, err := dialSocket(t, env, token)
	require.NoError(t, err)

	sendFrame(t, conn, "request_completion", completionRequestData{Prompt: "hi", ModelID: "gpt-4o"})
	require.Equal(t, "token", readFrame(t, conn).Event)

	env.socket.Close()

	assert.Equal(t, stream.Cancelled, env.completer.session(0).State(), "Close returns after active sessions are cancelled")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	_, resp, err := dialSocket(t, env, token)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
