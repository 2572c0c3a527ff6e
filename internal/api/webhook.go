package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoindex/internal/syncer"
	"github.com/seanblong/repoindex/internal/webhook"
)

type webhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// handleWebhook verifies the signature before anything else reads the body.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r).With().Str("delivery", r.Header.Get(webhook.DeliveryHeader)).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	if err := webhook.Verify(s.WebhookSecret, body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		logger.Warn().Err(err).Msg("rejected webhook")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := webhook.Parse(r.Header.Get(webhook.EventHeader), body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, webhook.ErrMalformedPayload) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	switch ev := ev.(type) {
	case webhook.PingEvent:
		logger.Info().Int64("hook_id", ev.HookID).Msg("webhook ping")
		writeJSON(w, r, http.StatusOK, webhookResponse{Status: "pong"})
	case webhook.PushEvent:
		decision, err := s.Coordinator.OnPush(r.Context(), syncer.Push{
			Repository: ev.Repository,
			Branch:     ev.Branch,
			CommitSHA:  ev.CommitSHA,
			Pusher:     ev.Pusher,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		logger.Info().Str("repo", ev.Repository).Str("branch", ev.Branch).Str("decision", string(decision)).Msg("push handled")
		status := http.StatusOK
		if decision == syncer.DecisionDispatched {
			status = http.StatusAccepted
		}
		writeJSON(w, r, status, webhookResponse{Status: string(decision)})
	case webhook.IgnoredEvent:
		writeJSON(w, r, http.StatusOK, webhookResponse{Status: "ignored", Reason: ev.Reason})
	}
}
