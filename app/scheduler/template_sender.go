package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultSendTemplateURL = "https://whatsappbotserver.azurewebsites.net/send-template"
	maxErrorBodyBytes      = 512
)

// TemplateSender delivers a send-template payload for a tenant.
// A nil error means the endpoint answered 2xx.
type TemplateSender interface {
	SendTemplate(ctx context.Context, tenantID string, payload []byte) error
}

type httpTemplateSender struct {
	url        string
	serviceKey string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	retries    int
	retryWait  time.Duration
	sleepFn    func(context.Context, time.Duration) error
}

// SenderOption configures the HTTP template sender
type SenderOption func(*httpTemplateSender)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *httpTemplateSender) { s.client = c }
}

// WithRetryWait sets the base pause between transport retries
func WithRetryWait(d time.Duration) SenderOption {
	return func(s *httpTemplateSender) { s.retryWait = d }
}

// WithBreakerThreshold sets how many consecutive failures open the circuit
func WithBreakerThreshold(n uint32, openFor time.Duration) SenderOption {
	return func(s *httpTemplateSender) { s.breaker = newSendBreaker(n, openFor) }
}

// NewHTTPTemplateSender creates a sender posting to the configured send-template endpoint
func NewHTTPTemplateSender(cfg config.WhatsAppConfig, opts ...SenderOption) TemplateSender {
	if cfg.SendTemplateURL == "" {
		cfg.SendTemplateURL = defaultSendTemplateURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = utils.DefaultSendTimeout
	}
	s := &httpTemplateSender{
		url:        cfg.SendTemplateURL,
		serviceKey: cfg.ServiceKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker:   newSendBreaker(5, 30*time.Second),
		retries:   max(cfg.TransportRetries, 0),
		retryWait: 500 * time.Millisecond,
		sleepFn:   sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newSendBreaker(threshold uint32, openFor time.Duration) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "whatsapp-send-template",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// a 4xx means the endpoint is up and rejected this payload
			var de *DeliveryError
			if errors.As(err, &de) {
				return de.StatusCode < 500
			}
			return err == nil
		},
	})
}

// SendTemplate posts payload once plus up to the configured number of
// retries. Only connection-level failures are retried here; HTTP answers
// and timeouts go straight back to the caller.
func (s *httpTemplateSender) SendTemplate(ctx context.Context, tenantID string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if err := s.sleepFn(ctx, s.retryWait*time.Duration(attempt)); err != nil {
				return lastErr
			}
		}

		_, err := s.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, s.post(ctx, tenantID, payload)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("send-template circuit open: %w", err)
		}
		lastErr = err
		if ctx.Err() != nil || !isTransientConnError(err) {
			return err
		}
	}
	return lastErr
}

func (s *httpTemplateSender) post(ctx context.Context, tenantID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build send-template request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(utils.HeaderTenantID, tenantID)
	if s.serviceKey != "" {
		req.Header.Set(utils.HeaderServiceKey, s.serviceKey)
	}
	if id, ok := ctx.Value(utils.RequestIDKey).(string); ok && id != "" {
		req.Header.Set(utils.HeaderRequestID, id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// isTransientConnError reports failures to reach the endpoint at all:
// refused or reset connections and DNS errors. Timeouts are excluded.
func isTransientConnError(err error) bool {
	if err == nil || IsDeliveryError(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
