package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jschibelli/ai-create-assistant/internal/gateway/completion"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/providers"
	"github.com/jschibelli/ai-create-assistant/internal/gateway/stream"
	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
	"github.com/rs/zerolog"
)

// Completer runs completions; implemented by completion.Gateway
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Result, error)
	StartStream(ctx context.Context, req completion.Request, transport stream.Transport) (*stream.Session, error)
}

type completionRequest struct {
	Model   string            `json:"model"`
	Content string            `json:"content"`
	Options providers.Options `json:"options"`
}

type completionResponse struct {
	Content string `json:"content"`
}

type CompletionHandler struct {
	gateway Completer
	logger  zerolog.Logger
}

func NewCompletionHandler(gateway Completer, logger zerolog.Logger) *CompletionHandler {
	return &CompletionHandler{gateway: gateway, logger: logger}
}

// HandleCompletion handles POST /api/ai
func (h *CompletionHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
		return
	}

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body"})
		return
	}

	req := completion.Request{
		UserID:  userID,
		Model:   body.Model,
		Prompt:  body.Content,
		Options: body.Options,
	}

	if body.Options.Stream {
		h.handleStreaming(w, r, req)
		return
	}

	res, err := h.gateway.Complete(r.Context(), req)
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	w.Header().Set("X-Provider", res.Provider)
	writeJSON(w, http.StatusOK, completionResponse{Content: res.Text})
}

// handleStreaming answers with Server-Sent Events. Admission failures are
// still plain JSON responses since no event has been written yet.
func (h *CompletionHandler) handleStreaming(w http.ResponseWriter, r *http.Request, req completion.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}

	session, err := h.gateway.StartStream(r.Context(), req, &sseTransport{w: w, flusher: flusher})
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	select {
	case <-session.Done():
	case <-r.Context().Done():
		session.Cancel()
	}
}

func (h *CompletionHandler) writeError(w http.ResponseWriter, req completion.Request, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("user_id", req.UserID).
			Str("model", req.Model).
			Msg("AI request error")
	}
	writeJSON(w, status, body)
}

// errorResponse maps a classified error to a status and a body that never
// carries provider internals
func errorResponse(err error) (int, errorBody) {
	switch {
	case errors.Is(err, apierr.ErrValidation):
		var e *apierr.Error
		msg := "Invalid request"
		if errors.As(err, &e) {
			msg = e.Error()
		}
		return http.StatusBadRequest, errorBody{Error: "Invalid request", Message: msg}
	case errors.Is(err, apierr.ErrQuotaExceeded):
		return http.StatusForbidden, errorBody{
			Error:        "Usage limit exceeded",
			Subscription: "Please upgrade your subscription for more tokens",
		}
	case errors.Is(err, apierr.ErrCircuitOpen):
		return http.StatusInternalServerError, errorBody{
			Error:   "Failed to process AI request",
			Message: "The AI service is temporarily unavailable. Please try again later.",
		}
	default:
		return http.StatusInternalServerError, errorBody{
			Error:   "Failed to process AI request",
			Message: "An unexpected error occurred.",
		}
	}
}

// streamErrorCode maps an admission error to the code sent to streaming consumers
func streamErrorCode(err error) (code, message string) {
	if errors.Is(err, apierr.ErrQuotaExceeded) {
		return stream.CodeUsageLimitExceeded, completion.MessageUsageLimitExceeded
	}
	return stream.CodeAIServiceError, completion.MessageAIServiceError
}

// sseTransport writes session events as Server-Sent Events. Headers are sent
// with the first event.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (t *sseTransport) SendToken(text string) error {
	return t.send("token", tokenData{Text: text})
}

func (t *sseTransport) SendEnd() error {
	return t.send("completion_end", struct{}{})
}

func (t *sseTransport) SendError(code, message string) error {
	return t.send("error", errorData{Code: code, Message: message})
}

func (t *sseTransport) send(event string, data any) error {
	if !t.started {
		t.w.Header().Set("Content-Type", "text/event-stream")
		t.w.Header().Set("Cache-Control", "no-cache")
		t.w.Header().Set("Connection", "keep-alive")
		t.w.Header().Set("X-Accel-Buffering", "no")
		t.w.WriteHeader(http.StatusOK)
		t.started = true
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

type tokenData struct {
	Text string `json:"text"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
