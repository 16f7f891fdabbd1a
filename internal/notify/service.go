// Package notify delivers concluded investigation reports to external
// consumers. OSS ships with the webhook driver; additional drivers (Slack,
// pager, ticketing) register via RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/pkg/models"
)

// Driver sends one final report to one destination kind.
type Driver interface {
	Kind() string
	Send(ctx context.Context, report *models.FinalReport) error
}

// Service fans a final report out to every registered driver. Delivery is
// best-effort: a failing driver is logged, never retried by the caller.
type Service struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewService creates an empty notification service.
func NewService() *Service {
	return &Service{drivers: make(map[string]Driver)}
}

// RegisterDriver adds or replaces a driver for its kind.
func (s *Service) RegisterDriver(d Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.Kind()] = d
	log.Info().Str("kind", d.Kind()).Msg("notification driver registered")
}

// PublishReport delivers the report through every driver concurrently and
// returns the first error encountered, if any.
func (s *Service) PublishReport(ctx context.Context, report *models.FinalReport) error {
	s.mu.RLock()
	drivers := make([]Driver, 0, len(s.drivers))
	for _, d := range s.drivers {
		drivers = append(drivers, d)
	}
	s.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, d := range drivers {
		wg.Add(1)
		go func(d Driver) {
			defer wg.Done()
			if err := d.Send(ctx, report); err != nil {
				log.Warn().Err(err).
					Str("kind", d.Kind()).
					Str("investigation_id", report.InvestigationID).
					Msg("report delivery failed")
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			log.Info().
				Str("kind", d.Kind()).
				Str("investigation_id", report.InvestigationID).
				Msg("report delivered")
		}(d)
	}
	wg.Wait()
	return firstErr
}

// ── Webhook driver ───────────────────────────────────────────

// WebhookDriver posts the final report as JSON to a fixed URL with optional
// HMAC-SHA256 payload signing.
type WebhookDriver struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookDriver creates a webhook driver for the given URL.
func NewWebhookDriver(url, secret string) *WebhookDriver {
	return &WebhookDriver{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Kind returns "webhook".
func (d *WebhookDriver) Kind() string { return "webhook" }

// Send posts the report with up to 3 attempts and linear backoff.
func (d *WebhookDriver) Send(ctx context.Context, report *models.FinalReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*2) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Inquest-Webhook/1.0")
		req.Header.Set("X-Inquest-Investigation", report.InvestigationID)
		if d.secret != "" {
			mac := hmac.New(sha256.New, []byte(d.secret))
			mac.Write(body)
			req.Header.Set("X-Inquest-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
