// Package webhook ingests provider-side lifecycle events. Events are
// persisted unconditionally; a matched lease only gets an observation
// folded through the state machine, never a direct overwrite.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/metrics"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
	"github.com/sandmux/sandmux/internal/util/sanitize"
)

// Errors mapped to HTTP statuses by the handler.
var (
	ErrMissingInstanceID = errors.New("webhook payload carries no instance id")
	ErrBadSignature      = errors.New("webhook signature invalid")
)

// Processor verifies, persists, and applies provider webhooks.
type Processor struct {
	st       *store.Store
	machine  *lease.Machine
	registry *provider.Registry
}

// NewProcessor creates a webhook processor.
func NewProcessor(st *store.Store, machine *lease.Machine, registry *provider.Registry) *Processor {
	return &Processor{st: st, machine: machine, registry: registry}
}

// Result reports what a webhook did.
type Result struct {
	Provider   string `json:"provider"`
	InstanceID string `json:"instance_id"`
	EventType  string `json:"event_type"`
	Matched    bool   `json:"matched"`
	LeaseID    string `json:"lease_id,omitempty"`
}

// instanceIDFields are accepted in preference order, at the top level
// and nested under "data".
var instanceIDFields = []string{"session_id", "sandbox_id", "sandboxId", "instance_id", "id"}

// ExtractInstanceID pulls the instance/session id out of a payload.
func ExtractInstanceID(payload map[string]any) string {
	if id := firstString(payload, instanceIDFields); id != "" {
		return id
	}
	if data, ok := payload["data"].(map[string]any); ok {
		return firstString(data, instanceIDFields)
	}
	return ""
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// VerifySignature checks the HMAC-SHA256 of the raw body, base64
// url-safe without padding. No registered secret means no check.
func (p *Processor) VerifySignature(providerName string, body []byte, signature string) error {
	secret := p.registry.WebhookSecret(providerName)
	if secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if signature == "" || !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Process handles one verified webhook body.
func (p *Processor) Process(ctx context.Context, providerName string, body []byte) (Result, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMissingInstanceID, err)
	}

	instanceID := ExtractInstanceID(payload)
	if instanceID == "" {
		return Result{}, ErrMissingInstanceID
	}
	eventType, _ := payload["event_type"].(string)
	if eventType == "" {
		eventType, _ = payload["type"].(string)
	}
	eventType = sanitize.Line(eventType, 128)

	res := Result{Provider: providerName, InstanceID: instanceID, EventType: eventType}

	l, err := p.st.FindLeaseByInstance(ctx, providerName, instanceID)
	switch {
	case err == nil:
		res.Matched = true
		res.LeaseID = l.LeaseID
	case errors.Is(err, store.ErrNotFound):
	default:
		return res, err
	}

	ev := store.ProviderEvent{
		ProviderName:   providerName,
		InstanceID:     instanceID,
		EventType:      eventType,
		PayloadJSON:    string(body),
		MatchedLeaseID: res.LeaseID,
	}
	if _, err := p.st.AppendProviderEvent(ctx, ev); err != nil {
		return res, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(providerName, fmt.Sprint(res.Matched)).Inc()

	if res.Matched {
		classified := provider.NormalizeStatus(eventType)
		if _, err := p.machine.Observe(ctx, l.LeaseID, classified, "webhook", map[string]any{
			"raw_event_type": eventType,
		}); err != nil {
			// The raw event is already durable; a rejected observation
			// is logged, not surfaced to the sender.
			slog.Warn("webhook observation rejected",
				"provider", providerName,
				"lease_id", l.LeaseID,
				"event_type", eventType,
				"error", err,
			)
		}
	}

	slog.Debug("webhook processed",
		"provider", providerName,
		"instance_id", instanceID,
		"event_type", eventType,
		"matched", res.Matched,
	)
	return res, nil
}
