package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"rslserver/internal/infrastructure"
	"rslserver/internal/store"
	"rslserver/pkg/contracts/domain"
)

// Signature headers on every delivery.
const (
	HeaderSignature = "X-RSL-Signature"
	HeaderEvent     = "X-RSL-Event"
	HeaderDelivery  = "X-RSL-Delivery"
)

// EventSink receives every published event in-process, in addition to
// webhook delivery. The websocket feed implements this.
type EventSink interface {
	Broadcast(event domain.Event)
}

// DispatcherConfig bounds delivery behavior.
type DispatcherConfig struct {
	DeliveryTimeout time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	QueueSize       int
}

// Dispatcher delivers events to subscribers asynchronously. Each
// subscription gets its own serialized queue, so at most one delivery is
// in flight per subscription and a slow endpoint cannot cause a delivery
// storm. The triggering request returns as soon as the event is queued.
type Dispatcher struct {
	store   store.Store
	client  *http.Client
	cfg     DispatcherConfig
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics
	sinks   []EventSink
	now     func() time.Time

	mu       sync.Mutex
	queues   map[string]chan queuedEvent
	breakers map[string]*gobreaker.CircuitBreaker[int]
	closed   bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

type queuedEvent struct {
	sub     domain.WebhookSubscription
	event   domain.Event
	payload []byte
}

// NewDispatcher creates a dispatcher. Call Close to drain the workers.
func NewDispatcher(st store.Store, cfg DispatcherConfig, logger *slog.Logger, metrics *infrastructure.BusinessMetrics, sinks ...EventSink) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    st,
		client:   &http.Client{Timeout: cfg.DeliveryTimeout},
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "webhook_dispatcher")),
		metrics:  metrics,
		sinks:    sinks,
		now:      time.Now,
		queues:   make(map[string]chan queuedEvent),
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// NewEvent builds an event envelope with a fresh id and timestamp.
func NewEvent(eventType domain.EventType, data interface{}) (domain.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	return domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Publish fans the event out to every active subscription whose event set
// covers it. Subscriptions outside the event's type are skipped silently:
// no delivery record is written for them. Publish never blocks on network
// IO; it only serializes the envelope and enqueues.
func (d *Dispatcher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	for _, sink := range d.sinks {
		sink.Broadcast(event)
	}

	subs, err := d.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, rec := range subs {
		sub := rec.Subscription
		if !sub.Subscribed(event.Type) {
			continue
		}
		d.enqueue(queuedEvent{sub: sub, event: event, payload: payload})
	}
	return nil
}

// enqueue hands the event to the subscription's worker, creating the
// worker on first use. A full queue drops the delivery and records the
// drop as a failed attempt rather than blocking the publisher.
func (d *Dispatcher) enqueue(qe queuedEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	queue, ok := d.queues[qe.sub.ID]
	if !ok {
		queue = make(chan queuedEvent, d.cfg.QueueSize)
		d.queues[qe.sub.ID] = queue
		d.wg.Add(1)
		go d.worker(qe.sub.ID, queue)
	}
	d.mu.Unlock()

	select {
	case queue <- qe:
	default:
		d.logger.Warn("webhook queue full, dropping delivery",
			slog.String("subscription_id", qe.sub.ID),
			slog.String("event_id", qe.event.ID),
		)
		d.record(context.Background(), &qe, 1, domain.DeliveryFailed, 0, "delivery queue full")
	}
}

// worker drains one subscription's queue, one delivery at a time.
func (d *Dispatcher) worker(subID string, queue chan queuedEvent) {
	defer d.wg.Done()
	for {
		select {
		case <-d.baseCtx.Done():
			return
		case qe, ok := <-queue:
			if !ok {
				return
			}
			d.deliverWithRetry(qe)
		}
	}
}

// deliverWithRetry attempts delivery up to the configured budget with
// exponential backoff. Exactly one delivery record is appended per
// attempt; the final failed attempt is recorded as dead_letter so the
// ledger shows the event will not be retried again.
func (d *Dispatcher) deliverWithRetry(qe queuedEvent) {
	backoff := d.cfg.BackoffBase
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		statusCode, err := d.attempt(&qe)

		status := domain.DeliverySent
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			status = domain.DeliveryFailed
			if attempt == d.cfg.MaxAttempts {
				status = domain.DeliveryDeadLetter
			}
		}
		d.record(d.baseCtx, &qe, attempt, status, statusCode, errMsg)

		if err == nil {
			return
		}

		if attempt < d.cfg.MaxAttempts {
			if d.metrics != nil {
				d.metrics.WebhookRetriesTotal.Add(d.baseCtx, 1,
					metric.WithAttributes(attribute.String("subscription_id", qe.sub.ID)))
			}
			select {
			case <-d.baseCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.cfg.BackoffMax {
				backoff = d.cfg.BackoffMax
			}
		}
	}
}

// attempt performs one signed POST through the subscription's circuit
// breaker and returns the response status code.
func (d *Dispatcher) attempt(qe *queuedEvent) (int, error) {
	breaker := d.breakerFor(qe.sub.ID)
	start := d.now()

	statusCode, err := breaker.Execute(func() (int, error) {
		ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.DeliveryTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, qe.sub.URL, bytes.NewReader(qe.payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSignature, "sha256="+Sign(qe.sub.Secret, qe.payload))
		req.Header.Set(HeaderEvent, string(qe.event.Type))
		req.Header.Set(HeaderDelivery, qe.event.ID)

		resp, err := d.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})

	if d.metrics != nil {
		outcome := "sent"
		if err != nil {
			outcome = "failed"
		}
		attrs := metric.WithAttributes(
			attribute.String("subscription_id", qe.sub.ID),
			attribute.String("event_type", string(qe.event.Type)),
			attribute.String("outcome", outcome),
		)
		d.metrics.WebhookDeliveriesTotal.Add(d.baseCtx, 1, attrs)
		d.metrics.WebhookDeliveryLatency.Record(d.baseCtx, d.now().Sub(start).Seconds(), attrs)
	}
	return statusCode, err
}

// record appends exactly one delivery ledger row for one attempt.
func (d *Dispatcher) record(ctx context.Context, qe *queuedEvent, attempt int, status domain.DeliveryStatus, statusCode int, errMsg string) {
	rec := &domain.WebhookDeliveryRecord{
		ID:             uuid.New().String(),
		EventID:        qe.event.ID,
		SubscriptionID: qe.sub.ID,
		Payload:        qe.payload,
		Signature:      Sign(qe.sub.Secret, qe.payload),
		Status:         status,
		Attempt:        attempt,
		StatusCode:     statusCode,
		Error:          errMsg,
		AttemptedAt:    d.now().UTC(),
	}
	if err := d.store.AppendDelivery(ctx, rec); err != nil {
		d.logger.Error("failed to append delivery record",
			slog.String("subscription_id", qe.sub.ID),
			slog.String("event_id", qe.event.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) breakerFor(subID string) *gobreaker.CircuitBreaker[int] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if breaker, ok := d.breakers[subID]; ok {
		return breaker
	}
	settings := gobreaker.Settings{
		Name:    "webhook-" + subID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("webhook circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	breaker := gobreaker.NewCircuitBreaker[int](settings)
	d.breakers[subID] = breaker
	return breaker
}

// Close stops accepting events and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}

// Sign computes the hex HMAC-SHA256 of the payload under the secret.
// Receivers recompute this over the raw request body to authenticate it.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches the payload under the
// secret, in constant time.
func VerifySignature(secret string, payload []byte, sig string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(sig))
}
