package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zral/mongo-crud-api-sub001/iox"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// DefaultHTTPTimeout bounds a single delivery attempt.
const DefaultHTTPTimeout = 10 * time.Second

// DefaultUserAgent identifies the service to webhook targets.
const DefaultUserAgent = "backplane-webhook/" + types.Version

// terminalStatuses are HTTP codes that can never succeed on retry: the
// request itself is wrong, or the endpoint is gone.
var terminalStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusGone:                true,
	http.StatusUnprocessableEntity: true,
}

// StatusError is returned for non-2xx responses. The code decides whether
// the delivery is retried or buried.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Terminal reports whether the status can never succeed on retry.
func (e *StatusError) Terminal() bool {
	return terminalStatuses[e.Code]
}

// Sender performs the HTTP POST for one delivery attempt. Each target URL
// gets its own circuit breaker so a dead endpoint sheds load quickly
// without affecting deliveries to healthy ones.
type Sender struct {
	client     *http.Client
	instanceID string
	userAgent  string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSender creates a Sender.
func NewSender(instanceID string, timeout time.Duration, userAgent string) *Sender {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Sender{
		client:     &http.Client{Timeout: timeout},
		instanceID: instanceID,
		userAgent:  userAgent,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Send delivers the job to the subscription's URL through its breaker.
// A nil error means a 2xx response; a *StatusError carries the status of a
// non-2xx response; other errors are transport failures or an open breaker.
func (s *Sender) Send(ctx context.Context, sub *types.WebhookSubscription, job *types.DeliveryJob) error {
	_, err := s.breaker(sub.URL).Execute(func() (any, error) {
		return nil, s.post(ctx, sub, job)
	})
	return err
}

func (s *Sender) breaker(url string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[url]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.breakers[url] = cb
	return cb
}

// post performs one POST and classifies the response.
func (s *Sender) post(ctx context.Context, sub *types.WebhookSubscription, job *types.DeliveryJob) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Webhook-Name", sub.Name)
	req.Header.Set("X-Delivery-ID", job.DeliveryID)
	req.Header.Set("X-Instance-ID", s.instanceID)
	req.Header.Set("X-Attempt-Number", strconv.Itoa(job.Attempt+1))
	req.Header.Set("X-Delivery-Timestamp", job.Payload.Timestamp.Format(time.RFC3339Nano))
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle connections.
func (s *Sender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// terminal reports whether err can never succeed on retry.
func terminal(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Terminal()
}

// statusCode extracts the HTTP status from err, or 0.
func statusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}
