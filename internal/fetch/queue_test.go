package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestQueueDo(t *testing.T) {
	t.Run("executes a simple request", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":true}`))
		})

		q := newQueue("org1", DefaultQueueConfig())
		resp, err := q.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("surfaces HTTP errors with the response", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})

		q := newQueue("org1", DefaultQueueConfig())
		resp, err := q.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("expected HTTPError, got %v", err)
		}
		if !httpErr.IsRateLimited() {
			t.Error("expected IsRateLimited for 429")
		}
		if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
			t.Error("expected response alongside error")
		}
	})

	t.Run("spaces requests to the interval cap", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})

		// 5 requests per 500ms -> one token every 100ms. Four requests after
		// the initial token must take at least ~300ms total.
		cfg := DefaultQueueConfig()
		cfg.MaxRequests = 5
		cfg.Interval = 500 * time.Millisecond
		q := newQueue("org1", cfg)

		start := time.Now()
		for i := 0; i < 4; i++ {
			if _, err := q.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
			t.Errorf("requests not rate limited: 4 requests in %v", elapsed)
		}
	})

	t.Run("honors the concurrency bound", func(t *testing.T) {
		var mu sync.Mutex
		inFlight, maxInFlight := 0, 0
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
		})

		cfg := DefaultQueueConfig()
		cfg.Concurrency = 1
		cfg.MaxRequests = 1000
		cfg.Interval = time.Second
		q := newQueue("org1", cfg)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
			}()
		}
		wg.Wait()

		if maxInFlight > 1 {
			t.Errorf("expected at most 1 in-flight request, saw %d", maxInFlight)
		}
	})

	t.Run("abort cancels pending requests with ErrQueueAborted", func(t *testing.T) {
		release := make(chan struct{})
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			<-release
		})
		defer close(release)

		cfg := DefaultQueueConfig()
		cfg.Concurrency = 1
		cfg.MaxRequests = 1000
		cfg.Interval = time.Second
		q := newQueue("org1", cfg)

		// First request holds the only slot; second blocks on the semaphore.
		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() {
				_, err := q.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
				errs <- err
			}()
		}
		time.Sleep(50 * time.Millisecond)
		q.Abort()

		deadline := time.After(2 * time.Second)
		for i := 0; i < 2; i++ {
			select {
			case err := <-errs:
				if !errors.Is(err, ErrQueueAborted) {
					t.Errorf("expected ErrQueueAborted, got %v", err)
				}
			case <-deadline:
				t.Fatal("aborted requests did not return")
			}
		}
	})
}

func TestQueueSet(t *testing.T) {
	t.Run("creates one queue per organizer", func(t *testing.T) {
		s := NewQueueSet(DefaultQueueConfig())
		q1 := s.ForOrganizer("org-a")
		q2 := s.ForOrganizer("org-b")
		if q1 == q2 {
			t.Error("expected distinct queues for distinct organizers")
		}
		if got := s.ForOrganizer("org-a"); got != q1 {
			t.Error("expected the same queue on repeated lookup")
		}
		if s.Len() != 2 {
			t.Errorf("expected 2 queues, got %d", s.Len())
		}
	})

	t.Run("abort affects only the targeted organizer", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})

		cfg := DefaultQueueConfig()
		cfg.MaxRequests = 1000
		cfg.Interval = time.Second
		s := NewQueueSet(cfg)
		qa := s.ForOrganizer("org-a")
		qb := s.ForOrganizer("org-b")

		s.Abort("org-a")

		if _, err := qa.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}); !errors.Is(err, ErrQueueAborted) {
			t.Errorf("expected ErrQueueAborted on aborted queue, got %v", err)
		}
		if _, err := qb.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
			t.Errorf("unrelated queue failed: %v", err)
		}
	})

	t.Run("reaps idle queues", func(t *testing.T) {
		cfg := DefaultQueueConfig()
		cfg.IdleAfter = 10 * time.Millisecond
		s := NewQueueSet(cfg)
		s.ForOrganizer("org-a")

		time.Sleep(30 * time.Millisecond)
		// Lookup of another key triggers the reap pass.
		s.ForOrganizer("org-b")

		s.mu.Lock()
		_, stillThere := s.queues["org-a"]
		s.mu.Unlock()
		if stillThere {
			t.Error("expected idle queue to be torn down")
		}
	})
}
