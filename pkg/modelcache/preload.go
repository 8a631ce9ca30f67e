package modelcache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

// preloadRequest asks the background workers to load one model.
type preloadRequest struct {
	key    string
	loader Loader
}

// preloadQueue runs predictive loads on a small worker pool. Preloading is
// strictly best-effort: failures are logged and dropped, and a key already in
// flight is not requested twice.
type preloadQueue struct {
	workers int

	mu       sync.Mutex
	inflight map[string]struct{}
	wp       *workerpool.WorkerPool
	cache    *Cache
}

func (q *preloadQueue) start(c *Cache) {
	q.cache = c
	q.inflight = make(map[string]struct{})
	q.wp = workerpool.New(q.workers)
}

func (q *preloadQueue) stop() {
	q.wp.StopWait()
}

func (q *preloadQueue) submit(reqs []preloadRequest) {
	for _, req := range reqs {
		q.mu.Lock()
		if _, busy := q.inflight[req.key]; busy {
			q.mu.Unlock()
			continue
		}
		q.inflight[req.key] = struct{}{}
		q.mu.Unlock()

		req := req
		q.wp.Submit(func() {
			defer func() {
				q.mu.Lock()
				delete(q.inflight, req.key)
				q.mu.Unlock()
			}()
			q.load(req)
		})
	}
}

func (q *preloadQueue) load(req preloadRequest) {
	c := q.cache

	// The key may have been loaded by a foreground Get while queued.
	if c.Contains(req.key) {
		return
	}

	var model any
	var size int64

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var err error
		model, size, err = req.loader(ctx)
		return err
	}, policy)
	if err != nil {
		c.logger.Warn("predictive preload failed",
			zap.String("key", req.key),
			zap.Error(err),
		)
		return
	}

	if err := c.insert(req.key, model, size, req.loader, time.Now()); err != nil {
		c.logger.Warn("predictive preload discarded", zap.String("key", req.key), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.preloads++
	c.mu.Unlock()

	cacheRequestsCounter.WithLabelValues("preload").Inc()
	c.logger.Debug("model preloaded", zap.String("key", req.key), zap.Int64("size_bytes", size))
}
