package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/halfduplex/internal/domain"
)

const maxTranscriptLimit = 1000

type transcriptEntryResponse struct {
	Direction      domain.Direction `json:"direction"`
	ConversationID string           `json:"conversationId,omitempty"`
	ActivityID     string           `json:"activityId,omitempty"`
	ActivityType   string           `json:"activityType"`
	Activity       domain.Activity  `json:"activity"`
	RecordedAt     time.Time        `json:"recordedAt"`
}

type transcriptResponse struct {
	SessionID      string                    `json:"sessionId"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Status         domain.SessionStatus      `json:"status"`
	CreatedAt      time.Time                 `json:"createdAt"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
	Entries        []transcriptEntryResponse `json:"entries"`
}

// Transcript returns the relayed activities of one session.
func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotFound, "transcripts are disabled")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	entries, err := h.repo.ListTranscript(r.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("Failed to list transcript", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list transcript")
		return
	}

	resp := transcriptResponse{
		SessionID:      session.SessionID,
		ConversationID: session.ConversationID.String(),
		Status:         session.Status,
		CreatedAt:      session.CreatedAt,
		UpdatedAt:      session.UpdatedAt,
		Entries:        make([]transcriptEntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, transcriptEntryResponse{
			Direction:      e.Direction,
			ConversationID: e.ConversationID.String(),
			ActivityID:     e.ActivityID,
			ActivityType:   e.ActivityType,
			Activity:       e.Activity,
			RecordedAt:     e.RecordedAt,
		})
	}
	JSON(w, http.StatusOK, resp)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	if n > maxTranscriptLimit {
		n = maxTranscriptLimit
	}
	return n, nil
}
