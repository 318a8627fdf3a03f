package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/shared/models"
	"github.com/rs/zerolog"
)

const usageHistoryDays = 30

// QuotaSource reports a user's token ceiling
type QuotaSource interface {
	Quota(ctx context.Context, userID string) (limit int64, found bool, err error)
}

// UsageStore lists durable usage records
type UsageStore interface {
	ListUsage(ctx context.Context, userID string, since time.Time) ([]models.UsageRecord, error)
}

type usageRecord struct {
	Model  string `json:"model"`
	Date   string `json:"date"`
	Tokens int64  `json:"tokens"`
}

type usageResponse struct {
	Quota   *int64        `json:"quota"`
	Records []usageRecord `json:"records"`
}

type UsageHandler struct {
	quotas QuotaSource
	store  UsageStore
	logger zerolog.Logger
}

func NewUsageHandler(quotas QuotaSource, store UsageStore, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{quotas: quotas, store: store, logger: logger}
}

// HandleUsage handles GET /api/ai/usage
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
		return
	}
	ctx := r.Context()

	limit, found, err := h.quotas.Quota(ctx, userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to load quota")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to load usage"})
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -usageHistoryDays)
	records, err := h.store.ListUsage(ctx, userID, since)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list usage")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to load usage"})
		return
	}

	resp := usageResponse{Records: make([]usageRecord, 0, len(records))}
	if found {
		resp.Quota = &limit
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, usageRecord{
			Model:  rec.ModelID,
			Date:   rec.Date.Format("2006-01-02"),
			Tokens: rec.TokenCount,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
