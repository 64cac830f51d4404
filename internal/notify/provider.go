// Package notify delivers journey notifications to staff. Which provider runs
// is chosen by configuration.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"qms/journey-service/internal/journey"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrProviderFailure = errors.New("provider failure")

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// New picks a provider by kind: log (default), noop, fail, webhook, or a bare
// http(s) URL which is treated as a webhook target. A webhook without a URL
// falls back to logging.
func New(kind string, webhook WebhookConfig, logger zerolog.Logger) journey.NotificationDispatcher {
	logger = logger.With().Str("component", "notify").Logger()
	switch kind {
	case "", "stub", "log":
		return logProvider{log: logger}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if webhook.URL == "" {
			logger.Warn().Msg("webhook provider selected without NOTIFY_WEBHOOK_URL, logging instead")
			return logProvider{log: logger}
		}
		return newWebhookProvider(webhook)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			webhook.URL = kind
			return newWebhookProvider(webhook)
		}
		logger.Warn().Str("provider", kind).Msg("unknown notification provider, logging instead")
		return logProvider{log: logger}
	}
}

type logProvider struct {
	log zerolog.Logger
}

func (p logProvider) Notify(ctx context.Context, n journey.Notification) error {
	p.log.Info().
		Str("target_user_id", n.TargetUserID).
		Str("category", n.Category).
		Str("title", n.Title).
		Str("link", n.LinkPath).
		Msg(n.Body)
	return nil
}

type noopProvider struct{}

func (noopProvider) Notify(context.Context, journey.Notification) error {
	return nil
}

type failProvider struct{}

func (failProvider) Notify(context.Context, journey.Notification) error {
	return ErrProviderFailure
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookProvider(cfg WebhookConfig) webhookProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return webhookProvider{
		url:   cfg.URL,
		token: cfg.Token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p webhookProvider) Notify(ctx context.Context, n journey.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook responded %d", ErrProviderFailure, resp.StatusCode)
	}
	return nil
}
