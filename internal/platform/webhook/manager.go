// Package webhook delivers MAR events to external HTTP endpoints. Hospitals
// register endpoints for the event types they care about; payloads are signed
// with HMAC-SHA256 and every delivery attempt is logged and retryable.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
)

// Endpoint statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Endpoint is a registered webhook destination. A nil HospitalID makes the
// endpoint global: it receives matching events from every hospital.
type Endpoint struct {
	ID         uuid.UUID  `json:"id"`
	HospitalID *uuid.UUID `json:"hospital_id,omitempty"`
	URL        string     `json:"url"`
	Secret     string     `json:"secret,omitempty"`
	Events     []string   `json:"events"`
	Status     string     `json:"status"`
	CreatedBy  uuid.UUID  `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DeliveryAttempt records a single delivery attempt for an event.
type DeliveryAttempt struct {
	ID           uuid.UUID     `json:"id"`
	EndpointID   uuid.UUID     `json:"endpoint_id"`
	EventType    string        `json:"event_type"`
	EventID      uuid.UUID     `json:"event_id"`
	Payload      []byte        `json:"payload"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success", "failed", "pending"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// WebhookEvent is the envelope POSTed to endpoints.
type WebhookEvent struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Topic      string          `json:"topic,omitempty"`
	HospitalID *uuid.UUID      `json:"hospital_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeliveryResult summarises the outcome of delivering an event to one endpoint.
type DeliveryResult struct {
	EndpointID uuid.UUID `json:"endpoint_id"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store persists endpoints and delivery attempts. List filters by hospital
// (nil = every endpoint); ListTargets selects the active endpoints an event
// for the given hospital should reach, which always includes global ones.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error)
	ListEndpoints(ctx context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Endpoint, int, error)
	ListTargets(ctx context.Context, hospitalID *uuid.UUID) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error)
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory Store for tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[uuid.UUID]*Endpoint
	deliveries map[uuid.UUID]*DeliveryAttempt
	// ordered keys for deterministic pagination
	endpointOrder []uuid.UUID
	deliveryOrder []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  make(map[uuid.UUID]*Endpoint),
		deliveries: make(map[uuid.UUID]*DeliveryAttempt),
	}
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id uuid.UUID) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return ep, nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Endpoint
	for _, id := range s.endpointOrder {
		ep := s.endpoints[id]
		if ep == nil {
			continue
		}
		if hospitalID == nil || (ep.HospitalID != nil && *ep.HospitalID == *hospitalID) {
			filtered = append(filtered, ep)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Endpoint{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *MemoryStore) ListTargets(_ context.Context, hospitalID *uuid.UUID) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var targets []*Endpoint
	for _, id := range s.endpointOrder {
		ep := s.endpoints[id]
		if ep == nil || ep.Status != StatusActive {
			continue
		}
		if ep.HospitalID == nil || (hospitalID != nil && *ep.HospitalID == *hospitalID) {
			targets = append(targets, ep)
		}
	}
	return targets, nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return ErrEndpointNotFound
	}
	s.endpoints[ep.ID] = ep
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	for i, eid := range s.endpointOrder {
		if eid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[attempt.ID]; !ok {
		s.deliveryOrder = append(s.deliveryOrder, attempt.ID)
	}
	s.deliveries[attempt.ID] = attempt
	return nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*DeliveryAttempt
	for _, id := range s.deliveryOrder {
		d := s.deliveries[id]
		if d == nil {
			continue
		}
		if d.EndpointID == endpointID {
			filtered = append(filtered, d)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*DeliveryAttempt{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the
// given secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the
// HMAC-SHA256 of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClient overrides the default HTTP client used for deliveries.
func WithClient(c *resty.Client) ManagerOption {
	return func(m *Manager) { m.client = c }
}

// WithTimeout overrides the per-request timeout of the delivery client while
// keeping its retry behavior.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.client.SetTimeout(d) }
}

// Manager orchestrates endpoint registration, event delivery, and retries.
type Manager struct {
	store  Store
	client *resty.Client
	log    zerolog.Logger
}

// NewManager creates a Manager with a delivery client that retries transient
// failures (network errors and 5xx) with backoff before giving up.
func NewManager(store Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		log:   logger,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(1 * time.Second).
			SetRetryMaxWaitTime(30 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// generateSecret produces a cryptographically random 32-byte hex string.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validateURL checks that the URL is non-empty and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// RegisterEndpoint validates and persists a new endpoint. If secret is empty
// a cryptographically random one is generated; it is returned exactly once,
// reads never include it again.
func (m *Manager) RegisterEndpoint(ctx context.Context, rawURL, secret string, hospitalID *uuid.UUID, createdBy uuid.UUID, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event type is required")
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	now := time.Now().UTC()
	ep := &Endpoint{
		ID:         uuid.New(),
		HospitalID: hospitalID,
		URL:        rawURL,
		Secret:     secret,
		Events:     events,
		Status:     StatusActive,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// PauseEndpoint sets the endpoint status to "paused".
func (m *Manager) PauseEndpoint(ctx context.Context, id uuid.UUID) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = StatusPaused
	ep.UpdatedAt = time.Now().UTC()
	return m.store.UpdateEndpoint(ctx, ep)
}

// ResumeEndpoint sets the endpoint status to "active".
func (m *Manager) ResumeEndpoint(ctx context.Context, id uuid.UUID) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = StatusActive
	ep.UpdatedAt = time.Now().UTC()
	return m.store.UpdateEndpoint(ctx, ep)
}

// eventMatches returns true if the event type matches a subscription pattern.
// Patterns can be exact ("administration.recorded"), suffix wildcards
// ("administration.*"), or prefix wildcards ("*.cleared").
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".cleared"
		return strings.HasSuffix(eventType, suffix)
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := pattern[:len(pattern)-1] // "administration."
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

// endpointMatchesEvent returns true if the endpoint subscribes to the event type.
func endpointMatchesEvent(ep *Endpoint, eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Deliver sends the event to all matching active endpoints: the hospital's
// own plus the global ones.
func (m *Manager) Deliver(ctx context.Context, event WebhookEvent) []DeliveryResult {
	targets, err := m.store.ListTargets(ctx, event.HospitalID)
	if err != nil {
		m.log.Error().Err(err).Str("event", event.Type).Msg("webhook target lookup failed")
		return nil
	}

	var results []DeliveryResult
	for _, ep := range targets {
		if !endpointMatchesEvent(ep, event.Type) {
			continue
		}
		attempt := m.DeliverToEndpoint(ctx, ep, event)
		if attempt.Status != "success" {
			m.log.Warn().
				Str("endpoint_id", ep.ID.String()).
				Str("event", event.Type).
				Int("status_code", attempt.StatusCode).
				Str("error", attempt.Error).
				Msg("webhook delivery failed")
		}
		results = append(results, DeliveryResult{
			EndpointID: ep.ID,
			Success:    attempt.Status == "success",
			StatusCode: attempt.StatusCode,
			Error:      attempt.Error,
		})
	}
	return results
}

// DeliverToEndpoint signs the payload and POSTs it to the endpoint, recording
// the result. Transient failures are retried by the client before the attempt
// is recorded as failed.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep *Endpoint, event WebhookEvent) *DeliveryAttempt {
	payload, _ := json.Marshal(event)
	sig := SignPayload(payload, ep.Secret)
	now := time.Now().UTC()

	attempt := &DeliveryAttempt{
		ID:         uuid.New(),
		EndpointID: ep.ID,
		EventType:  event.Type,
		EventID:    event.ID,
		Payload:    payload,
		Signature:  sig,
		Attempt:    1,
		Status:     "pending",
		CreatedAt:  now,
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Webhook-Signature", "sha256="+sig).
		SetHeader("X-Webhook-ID", ep.ID.String()).
		SetHeader("X-Webhook-Timestamp", now.Format(time.RFC3339)).
		SetBody(payload).
		Post(ep.URL)

	if resp != nil {
		attempt.Duration = resp.Time()
		attempt.StatusCode = resp.StatusCode()
		if a := resp.Request.Attempt; a > 0 {
			attempt.Attempt = a
		}
		body := resp.String()
		if len(body) > 1024 {
			body = body[:1024]
		}
		attempt.ResponseBody = body
	}

	switch {
	case err != nil:
		attempt.Status = "failed"
		attempt.Error = err.Error()
	case resp.IsSuccess():
		attempt.Status = "success"
	default:
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode())
	}

	if recErr := m.store.RecordDelivery(ctx, attempt); recErr != nil {
		m.log.Error().Err(recErr).Str("endpoint_id", ep.ID.String()).Msg("webhook delivery record failed")
	}
	return attempt
}

// RetryDelivery re-delivers a previously recorded attempt, incrementing the
// attempt counter.
func (m *Manager) RetryDelivery(ctx context.Context, deliveryID uuid.UUID) (*DeliveryAttempt, error) {
	original, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	ep, err := m.store.GetEndpoint(ctx, original.EndpointID)
	if err != nil {
		return nil, err
	}

	// Reconstruct the event from the original delivery payload.
	var event WebhookEvent
	if err := json.Unmarshal(original.Payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal original payload: %w", err)
	}

	attempt := m.DeliverToEndpoint(ctx, ep, event)
	attempt.Attempt = original.Attempt + 1
	if err := m.store.RecordDelivery(ctx, attempt); err != nil {
		return nil, err
	}

	return attempt, nil
}

// TestEndpoint sends a synthetic test event to verify endpoint connectivity.
func (m *Manager) TestEndpoint(ctx context.Context, endpointID uuid.UUID) (*DeliveryAttempt, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	testEvent := WebhookEvent{
		ID:         uuid.New(),
		Type:       "webhook.test",
		HospitalID: ep.HospitalID,
		Payload:    json.RawMessage(`{"test":true}`),
		Timestamp:  time.Now().UTC(),
	}

	return m.DeliverToEndpoint(ctx, ep, testEvent), nil
}

// GetEndpoint returns one endpoint by id.
func (m *Manager) GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

// ListEndpoints returns a page of endpoints, optionally filtered by hospital.
func (m *Manager) ListEndpoints(ctx context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Endpoint, int, error) {
	return m.store.ListEndpoints(ctx, hospitalID, limit, offset)
}

// GetDeliveryLogs returns paginated delivery attempts for an endpoint.
func (m *Manager) GetDeliveryLogs(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}
