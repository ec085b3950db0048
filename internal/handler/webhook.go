package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook POSTs the payload as JSON to a fixed URL. Non-2xx responses are
// failures and feed the circuit breaker.
type Webhook struct {
	name   string
	url    string
	client *http.Client
	br     *MicroBreaker
}

func NewWebhook(name, url string, timeoutMs, failThreshold, openForMs int) *Webhook {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &Webhook{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:     NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Handle(ctx context.Context, eventType string, payload []byte) error {
	if !w.br.TryAcquire() {
		return fmt.Errorf("webhook=%s: %w", w.name, ErrBreakerOpen)
	}

	if err := w.post(ctx, eventType, payload); err != nil {
		w.br.OnFailure()
		return err
	}

	w.br.OnSuccess()

	return nil
}

func (w *Webhook) post(ctx context.Context, eventType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", eventType)

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("webhook=%s url=%s status=%d", w.name, w.url, res.StatusCode)
	}

	return nil
}
