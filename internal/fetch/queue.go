package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrQueueAborted is returned for requests cancelled because their queue was
// shut down. Other queues are unaffected.
var ErrQueueAborted = errors.New("request queue aborted")

// QueueConfig bounds one organizer's request traffic.
type QueueConfig struct {
	// Concurrency is the number of simultaneous in-flight requests.
	Concurrency int64
	// MaxRequests per Interval.
	MaxRequests int
	Interval    time.Duration
	// IdleAfter is how long an unused queue survives before teardown.
	IdleAfter time.Duration
	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// DefaultQueueConfig returns the limits used for ticketing backends.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:    1,
		MaxRequests:    100,
		Interval:       60 * time.Second,
		IdleAfter:      5 * time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// Queue serializes requests to one external organization, enforcing the
// concurrency bound and the rolling interval cap. A 429 from the upstream is
// returned to the caller, not retried; the interval cap provides implicit
// backoff for subsequent requests.
type Queue struct {
	key        string
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	httpClient *http.Client

	root   context.Context
	cancel context.CancelFunc

	pending  atomic.Int64
	lastUsed atomic.Int64 // unix nanos
}

func newQueue(key string, cfg QueueConfig) *Queue {
	root, cancel := context.WithCancel(context.Background())
	q := &Queue{
		key:     key,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval/time.Duration(cfg.MaxRequests)), 1),
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: cfg.Transport,
		},
		root:   root,
		cancel: cancel,
	}
	q.touch()
	return q
}

func (q *Queue) touch() {
	q.lastUsed.Store(time.Now().UnixNano())
}

func (q *Queue) idleSince(now time.Time, idleAfter time.Duration) bool {
	if q.pending.Load() > 0 {
		return false
	}
	return now.Sub(time.Unix(0, q.lastUsed.Load())) >= idleAfter
}

// Abort cancels all in-flight and queued requests on this queue.
func (q *Queue) Abort() {
	q.cancel()
}

// Do executes a request, waiting for the concurrency slot and the interval
// cap. The caller's ctx and the queue's abort signal are both observed; an
// aborted queue yields ErrQueueAborted.
func (q *Queue) Do(ctx context.Context, req *Request) (*Response, error) {
	q.pending.Add(1)
	defer func() {
		q.pending.Add(-1)
		q.touch()
	}()

	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(q.root, func() { cancel(ErrQueueAborted) })
	defer stop()

	if err := q.sem.Acquire(rctx, 1); err != nil {
		return nil, queueErr(rctx, err)
	}
	defer q.sem.Release(1)

	if err := q.limiter.Wait(rctx); err != nil {
		return nil, queueErr(rctx, err)
	}

	return q.doOnce(rctx, req)
}

// queueErr surfaces ErrQueueAborted when the queue-wide signal fired, rather
// than the generic context error.
func queueErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (q *Queue) doOnce(ctx context.Context, req *Request) (*Response, error) {
	fullURL := req.URL
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrQueueAborted) {
			return nil, ErrQueueAborted
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}

	if resp.StatusCode >= 400 {
		return response, &HTTPError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return response, nil
}

// QueueSet owns the per-organizer queues, created lazily on first use and
// torn down once idle so that abandoned organizers do not accumulate.
type QueueSet struct {
	mu     sync.Mutex
	queues map[string]*Queue
	cfg    QueueConfig
}

// NewQueueSet creates an empty queue set with the given per-queue limits.
func NewQueueSet(cfg QueueConfig) *QueueSet {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRequests <= 0 || cfg.Interval <= 0 {
		d := DefaultQueueConfig()
		cfg.MaxRequests, cfg.Interval = d.MaxRequests, d.Interval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultQueueConfig().IdleAfter
	}
	return &QueueSet{
		queues: make(map[string]*Queue),
		cfg:    cfg,
	}
}

// ForOrganizer returns the queue for the given organizer key, creating it if
// needed. Unrelated organizers never share a queue.
func (s *QueueSet) ForOrganizer(key string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(time.Now())
	q, ok := s.queues[key]
	if !ok {
		q = newQueue(key, s.cfg)
		s.queues[key] = q
	}
	q.touch()
	return q
}

// Abort cancels and removes the queue for one organizer, if present.
func (s *QueueSet) Abort(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		q.Abort()
		delete(s.queues, key)
	}
}

// Shutdown aborts every queue.
func (s *QueueSet) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, q := range s.queues {
		q.Abort()
		delete(s.queues, key)
	}
}

// Len returns the number of live queues.
func (s *QueueSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

func (s *QueueSet) reapLocked(now time.Time) {
	for key, q := range s.queues {
		if q.idleSince(now, s.cfg.IdleAfter) {
			q.Abort()
			delete(s.queues, key)
		}
	}
}
