package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrotrade/trade"
)

// WebhookNotifier delivers phase-change notifications to a configured
// endpoint, one POST per change. Delivery is best effort; the journal keeps
// the authoritative trail.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: strings.TrimSpace(url),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type phaseChangePayload struct {
	ID         string `json:"id"`
	ProductID  int64  `json:"productId"`
	Phase      uint8  `json:"phase"`
	PhaseLabel string `json:"phaseLabel"`
	ObservedAt int64  `json:"observedAt"`
}

// PhaseChanged implements StatusCallback.
func (n *WebhookNotifier) PhaseChanged(ctx context.Context, productID int64, phase trade.EscrowPhase) error {
	if n == nil || n.url == "" {
		return nil
	}
	payload, err := json.Marshal(phaseChangePayload{
		ID:         uuid.NewString(),
		ProductID:  productID,
		Phase:      uint8(phase),
		PhaseLabel: phase.String(),
		ObservedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook delivery failed with status %d", resp.StatusCode)
	}
	return nil
}
