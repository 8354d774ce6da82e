package scheduler

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(url string, retries int, opts ...SenderOption) *httpTemplateSender {
	s := NewHTTPTemplateSender(config.WhatsAppConfig{
		SendTemplateURL:  url,
		ServiceKey:       "secret",
		Timeout:          2 * time.Second,
		TransportRetries: retries,
	}, append([]SenderOption{WithRetryWait(time.Millisecond)}, opts...)...).(*httpTemplateSender)
	return s
}

func TestSendTemplateHeadersAndBody(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL, 0)
	ctx := context.WithValue(context.Background(), utils.RequestIDKey, "req-1")
	payload := []byte(`{"template":{"name":"promo"},"phoneNumbers":["919000000001"]}`)

	require.NoError(t, s.SendTemplate(ctx, "tenant-a", payload))
	assert.JSONEq(t, string(payload), string(gotBody))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "tenant-a", gotHeader.Get(utils.HeaderTenantID))
	assert.Equal(t, "secret", gotHeader.Get(utils.HeaderServiceKey))
	assert.Equal(t, "req-1", gotHeader.Get(utils.HeaderRequestID))
}

func TestSendTemplateNon2xxIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down\n"))
	}))
	defer srv.Close()

	s := newTestSender(srv.URL, 3)
	err := s.SendTemplate(context.Background(), "tenant-a", []byte(`{}`))

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
	assert.Equal(t, "upstream down", de.Body)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSendTemplateRetriesRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := newTestSender("http://"+addr+"/send-template", 2)
	var sleeps atomic.Int32
	s.sleepFn = func(context.Context, time.Duration) error {
		sleeps.Add(1)
		return nil
	}

	err = s.SendTemplate(context.Background(), "tenant-a", []byte(`{}`))
	require.Error(t, err)
	assert.False(t, IsDeliveryError(err))
	assert.True(t, isTransientConnError(err))
	assert.Equal(t, int32(2), sleeps.Load())
}

func TestSendTemplateTimeoutIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	s := newTestSender(srv.URL, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.SendTemplate(ctx, "tenant-a", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSendTemplateBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL, 0, WithBreakerThreshold(2, time.Minute))
	for range 2 {
		assert.True(t, IsDeliveryError(s.SendTemplate(context.Background(), "t", []byte(`{}`))))
	}

	err := s.SendTemplate(context.Background(), "t", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), hits.Load())
}

func TestSendTemplateClientErrorsKeepBreakerClosed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL, 0, WithBreakerThreshold(2, time.Minute))
	for range 5 {
		var de *DeliveryError
		require.ErrorAs(t, s.SendTemplate(context.Background(), "t", []byte(`{}`)), &de)
		assert.Equal(t, http.StatusBadRequest, de.StatusCode)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestIsTransientConnError(t *testing.T) {
	assert.False(t, isTransientConnError(nil))
	assert.False(t, isTransientConnError(&DeliveryError{StatusCode: 503}))
	assert.False(t, isTransientConnError(context.DeadlineExceeded))
	assert.True(t, isTransientConnError(&net.OpError{Op: "dial", Err: io.EOF}))
	assert.True(t, isTransientConnError(&net.DNSError{Err: "no such host", Name: "example.invalid"}))
}
