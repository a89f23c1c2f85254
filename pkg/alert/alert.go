// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package alert posts operator alerts for failures that need human
// attention, such as an exhausted UID allocation range. Alerts are
// best-effort: a failed post is logged and otherwise ignored.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Alerter delivers a single alert.
type Alerter interface {
	Alert(ctx context.Context, title, body string)
}

// Slack posts alerts to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewSlack creates a Slack alerter for the given incoming webhook URL.
func NewSlack(webhookURL string, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Alert posts the alert to the webhook. Failures are logged, never
// returned; alerting must not take down the request that triggered it.
func (s *Slack) Alert(ctx context.Context, title, body string) {
	text := title
	if body != "" {
		text = fmt.Sprintf("*%s*\n%s", title, body)
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		s.logger.Error("failed to encode Slack alert", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("failed to build Slack alert request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("failed to post Slack alert", "error", err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		s.logger.Error("Slack alert rejected",
			"status", res.StatusCode, "title", title)
	}
}

// Null discards alerts. Used when no webhook is configured.
type Null struct{}

// Alert does nothing.
func (Null) Alert(context.Context, string, string) {}

// Once wraps an Alerter so that each distinct title fires at most once
// per process. Exhaustion alerts would otherwise repeat on every request
// that hits the exhausted range.
type Once struct {
	next Alerter

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOnce wraps next with per-title deduplication.
func NewOnce(next Alerter) *Once {
	return &Once{next: next, seen: make(map[string]struct{})}
}

// Alert forwards the alert unless one with the same title has already
// been sent.
func (o *Once) Alert(ctx context.Context, title, body string) {
	o.mu.Lock()
	_, dup := o.seen[title]
	if !dup {
		o.seen[title] = struct{}{}
	}
	o.mu.Unlock()
	if !dup {
		o.next.Alert(ctx, title, body)
	}
}
