// Package notify delivers deduplicated container-update notifications to
// Discord webhooks through a rate-limited in-process queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/logging"
	"github.com/chis/portwatch/internal/storage"
)

const (
	// DefaultMaxQueueSize caps the pending queue; entries beyond it are
	// dropped with an error log rather than blocking the producer.
	DefaultMaxQueueSize = 100

	// Discord's per-webhook budget.
	webhookRateLimit  = 30
	webhookRateWindow = 60 * time.Second

	defaultMaxRetries = 5

	// DefaultVersionDedupWindow bounds how long a version-fallback dedup key
	// suppresses re-notification. Digest keys never expire.
	DefaultVersionDedupWindow = 7 * 24 * time.Hour
)

// Notification describes one detected container update.
type Notification struct {
	UserID        string
	ContainerName string
	InstanceURL   string
	EndpointID    int
	ImageName     string
	Repo          string
	Tag           string
	OldDigest     string
	NewDigest     string
	Version       string
}

// Webhook is one configured Discord destination.
type Webhook struct {
	Name string
	URL  string
}

// Service queues and delivers notifications. A single worker drains the
// queue so delivery order is FIFO per process; the sliding window and the
// dedup map are process-wide.
type Service struct {
	store      storage.Store
	bus        *events.Bus
	log        *logging.Logger
	webhooks   []Webhook
	httpClient *http.Client
	tracker    *windowTracker
	maxRetries int

	queue chan Notification

	inflightMu sync.Mutex
	inflight   map[string]bool

	// sleep is swappable so tests can observe waits instead of serving them.
	sleep func(ctx context.Context, d time.Duration) error

	dedupWindow   time.Duration
	pruneInterval time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.queue = make(chan Notification, n)
		}
	}
}

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(hc *http.Client) ServiceOption {
	return func(s *Service) { s.httpClient = hc }
}

// WithSleeper overrides how the worker waits, used by tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ServiceOption {
	return func(s *Service) { s.sleep = sleep }
}

// WithVersionDedupWindow overrides how long version-fallback dedup keys
// suppress re-notification. Digest keys are unaffected.
func WithVersionDedupWindow(window time.Duration) ServiceOption {
	return func(s *Service) {
		if window > 0 {
			s.dedupWindow = window
		}
	}
}

// WithPruneInterval overrides how often expired dedup keys are pruned.
func WithPruneInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.pruneInterval = interval
		}
	}
}

// NewService creates a notification service. Call Start to begin draining
// the queue.
func NewService(store storage.Store, bus *events.Bus, webhooks []Webhook, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		bus:           bus,
		log:           logging.Default().WithField("component", "notify"),
		webhooks:      webhooks,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		tracker:       newWindowTracker(webhookRateLimit, webhookRateWindow),
		maxRetries:    defaultMaxRetries,
		queue:         make(chan Notification, DefaultMaxQueueSize),
		inflight:      make(map[string]bool),
		dedupWindow:   DefaultVersionDedupWindow,
		pruneInterval: time.Hour,
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the single delivery worker.
func (s *Service) Start(ctx context.Context) {
	go s.worker(ctx)
	go s.pruneLoop(ctx)
}

// pruneLoop expires version-fallback dedup records so a container stuck on a
// version-only resolution re-notifies once the window passes. Runs once at
// startup and then every pruneInterval.
func (s *Service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()
	for {
		if pruned, err := s.PruneDedupRecords(ctx, s.dedupWindow); err != nil {
			s.log.Warn("dedup record prune failed: %v", err)
		} else if pruned > 0 {
			s.log.Info("pruned %d expired version dedup records", pruned)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
		}
	}
}

// Stop shuts the worker down after the current delivery finishes.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
	<-s.done
}

// Queue enqueues a notification unless its dedup key has already been
// notified or is already pending. A full queue drops the entry (backpressure
// is drop-newest, never block).
func (s *Service) Queue(ctx context.Context, n Notification) {
	key, dedupType := dedupKey(n)

	_, found, err := s.store.GetNotificationRecord(ctx, n.UserID, key)
	if err != nil {
		s.log.Error("dedup lookup failed for %s: %v", key, err)
	}
	if found {
		s.log.Debug("suppressing duplicate notification %s", key)
		return
	}

	s.inflightMu.Lock()
	if s.inflight[key] {
		s.inflightMu.Unlock()
		s.log.Debug("notification %s already queued", key)
		return
	}
	s.inflight[key] = true
	s.inflightMu.Unlock()

	select {
	case s.queue <- n:
		s.log.Debug("queued %s notification for %s", dedupType, n.ContainerName)
	default:
		s.releaseInflight(key)
		s.log.Error("notification queue full (%d), dropping notification for %s", cap(s.queue), n.ContainerName)
	}
}

// TestWebhook sends a test payload to url immediately, bypassing the queue
// and dedup but honoring the rate window.
func (s *Service) TestWebhook(ctx context.Context, url string) error {
	if err := ValidateWebhookURL(url); err != nil {
		return err
	}
	return s.deliverWithRetry(ctx, url, buildTestPayload())
}

func (s *Service) worker(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case n := <-s.queue:
			s.process(ctx, n)
		}
	}
}

func (s *Service) process(ctx context.Context, n Notification) {
	key, dedupType := dedupKey(n)
	payload := buildPayload(n)

	var deliveryErr error
	for _, webhook := range s.webhooks {
		if err := s.deliverWithRetry(ctx, webhook.URL, payload); err != nil {
			s.log.Error("delivery to webhook %s failed for %s: %v", webhook.Name, n.ContainerName, err)
			deliveryErr = err
		}
	}

	if deliveryErr != nil {
		// Roll back the in-memory marker so a future cycle may retry this
		// logical update.
		s.releaseInflight(key)
		s.bus.Publish(events.EventNotificationError, map[string]interface{}{
			"container": n.ContainerName,
			"error":     deliveryErr.Error(),
		})
		return
	}

	record := storage.NotificationDedupRecord{
		UserID:    n.UserID,
		DedupKey:  key,
		Type:      dedupType,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveNotificationRecord(ctx, record); err != nil {
		s.log.Error("failed to persist dedup record %s: %v", key, err)
	}
	s.releaseInflight(key)

	s.bus.Publish(events.EventNotificationSent, map[string]interface{}{
		"container": n.ContainerName,
		"dedup_key": key,
	})
}

// deliverWithRetry attempts one webhook delivery with proactive window
// pacing, reactive 429 waits, and exponential backoff on retryable errors.
func (s *Service) deliverWithRetry(ctx context.Context, webhookURL string, payload discordPayload) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		// Proactive: wait out our own sliding window before every attempt.
		for {
			wait := s.tracker.reserve(webhookURL)
			if wait == 0 {
				break
			}
			s.log.Debug("webhook window full, waiting %s", wait)
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := deliverOnce(ctx, s.httpClient, webhookURL, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var rateErr *rateLimitedError
		var termErr *terminalError
		switch {
		case errors.As(err, &rateErr):
			// Reactive: honor the server's Retry-After over our own backoff.
			wait := rateErr.retryAfter
			if wait == 0 {
				wait = backoffDelay(attempt)
			}
			if sleepErr := s.sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}
		case errors.As(err, &termErr):
			return err
		default:
			if sleepErr := s.sleep(ctx, backoffDelay(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

func (s *Service) releaseInflight(key string) {
	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()
}

// PruneDedupRecords expires version-fallback dedup keys older than the
// window. Digest keys are permanent and never pruned.
func (s *Service) PruneDedupRecords(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultVersionDedupWindow
	}
	return s.store.PruneNotificationRecords(ctx, window)
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
