package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/completion"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/providers"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/stream"
	"github.com/rs/zerolog"
)

const (
	socketWriteWait = 10 * time.Second
	socketMaxFrame  = 64 << 10
)

// frame is the envelope for every message on the completions socket
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type completionRequestData struct {
	Prompt   string `json:"prompt"`
	Position int    `json:"position"`
	ModelID  string `json:"modelId"`
}

// SocketDefaults are the generation options applied to every socket completion
type SocketDefaults struct {
	MaxTokens   int
	Temperature float32
}

// SocketHandler serves the bidirectional completions channel at
// /api/socketio/ai-completions. Each connection has at most one active
// session; a new request cancels the previous one.
type SocketHandler struct {
	gateway  Completer
	auth     *Middleware
	defaults SocketDefaults
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// Hijacked connections are invisible to http.Server.Shutdown.
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	active sync.WaitGroup
}

func NewSocketHandler(gateway Completer, auth *Middleware, defaults SocketDefaults, allowedOrigins []string, logger zerolog.Logger) *SocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &SocketHandler{
		gateway:  gateway,
		auth:     auth,
		defaults: defaults,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Close disconnects every open socket, cancelling its active session, and
// waits for the connection handlers to return. Later upgrades get 503.
func (h *SocketHandler) Close() {
	h.mu.Lock()
	h.closed = true
	for ws := range h.conns {
		ws.Close()
	}
	h.mu.Unlock()

	h.active.Wait()
}

func (h *SocketHandler) track(ws *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[ws] = struct{}{}
	h.active.Add(1)
	return true
}

func (h *SocketHandler) untrack(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, ws)
	h.mu.Unlock()
	h.active.Done()
}

func (h *SocketHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Identify(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
		return
	}
	if h.isClosed() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Server shutting down"})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	if !h.track(ws) {
		ws.Close()
		return
	}
	defer h.untrack(ws)

	conn := &socketConn{ws: ws}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		ws.Close()
	}()

	log := h.logger.With().Str("user_id", userID).Logger()
	log.Debug().Msg("socket connected")

	var current *stream.Session
	defer func() {
		if current != nil {
			current.Cancel()
		}
		log.Debug().Msg("socket disconnected")
	}()

	ws.SetReadLimit(socketMaxFrame)
	for {
		var in frame
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("socket read failed")
			}
			return
		}

		switch in.Event {
		case "request_completion":
			var data completionRequestData
			if err := json.Unmarshal(in.Data, &data); err != nil {
				_ = conn.SendError(stream.CodeAIServiceError, "Invalid completion request.")
				continue
			}
			if current != nil {
				current.Cancel()
			}
			current = h.start(ctx, userID, data, conn, log)

		case "cancel_completion":
			if current != nil {
				current.Cancel()
			}

		default:
			log.Debug().Str("event", in.Event).Msg("ignoring unknown socket event")
		}
	}
}

func (h *SocketHandler) start(ctx context.Context, userID string, data completionRequestData, conn *socketConn, log zerolog.Logger) *stream.Session {
	maxTokens := h.defaults.MaxTokens
	temperature := h.defaults.Temperature

	session, err := h.gateway.StartStream(ctx, completion.Request{
		UserID:   userID,
		Model:    data.ModelID,
		Prompt:   data.Prompt,
		Position: data.Position,
		Options: providers.Options{
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		},
	}, conn)
	if err != nil {
		log.Info().Err(err).Str("model", data.ModelID).Msg("socket completion rejected")
		code, message := streamErrorCode(err)
		_ = conn.SendError(code, message)
		return nil
	}
	return session
}

// socketConn serializes writes to one websocket
type socketConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *socketConn) SendToken(text string) error {
	return c.write("token", tokenData{Text: text})
}

func (c *socketConn) SendEnd() error {
	return c.write("completion_end", struct{}{})
}

func (c *socketConn) SendError(code, message string) error {
	return c.write("error", errorData{Code: code, Message: message})
}

func (c *socketConn) write(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame{Event: event, Data: payload})
}
