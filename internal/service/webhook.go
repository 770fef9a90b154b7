package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

const webhookStatusThreshold = 300

// WebhookService delivers security events (replay detected, account
// locked) to an external receiver. Delivery is fire-and-forget; a dead
// receiver never blocks the auth path.
type WebhookService struct {
	client     *http.Client
	log        *zap.SugaredLogger
	webhookURL string
}

func NewWebhookService(log *zap.SugaredLogger, webhookURL string) *WebhookService {
	return &WebhookService{
		client:     &http.Client{},
		log:        log,
		webhookURL: webhookURL,
	}
}

func (s *WebhookService) NotifySecurityEvent(ctx context.Context, event string, data map[string]interface{}) {
	go func() {
		if s.webhookURL == "" {
			return
		}

		payload := map[string]interface{}{"event": event}
		for k, v := range data {
			payload[k] = v
		}

		body, err := json.Marshal(payload)
		if err != nil {
			s.log.Errorw("failed to marshal webhook payload", "error", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(body))
		if err != nil {
			s.log.Errorw("failed to create webhook request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Errorw("failed to send webhook", "error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= webhookStatusThreshold {
			s.log.Warnw("webhook returned non-2xx status", "status", resp.StatusCode)
		}
	}()
}
