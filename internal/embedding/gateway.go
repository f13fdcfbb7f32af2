// Package embedding implements the Embedding Gateway (spec.md §4.A):
// the only component allowed to hold a reference to the external
// embedder. It caches by content hash, coalesces concurrent requests
// into batches, and degrades to a deterministic zero-vector with
// contracts.ErrEmbedder when the underlying driver is unavailable.
package embedding

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2s"

	"github.com/trinitas/tmws/pkg/contracts"
)

const (
	// DefaultCacheSize matches spec.md §4.A's "LRU of at least 1,024
	// entries".
	DefaultCacheSize = 1024
	// MaxBatchInputs is the coalescing batcher's hard cap.
	MaxBatchInputs = 32
	// CoalesceWindow is how long concurrent Embed calls wait for
	// siblings before a batch is dispatched.
	CoalesceWindow = 50 * time.Millisecond
)

// Gateway wraps a registry of EmbeddingDriver implementations behind
// the single embed/embed_batch contract the rest of the service
// depends on.
type Gateway struct {
	mu      sync.RWMutex
	drivers map[string]contracts.EmbeddingDriver
	active  string

	cache *lru.Cache[[32]byte, []float32]

	batchMu  sync.Mutex
	pending  []batchRequest
	flushing bool
}

type batchRequest struct {
	text   string
	result chan embedResult
}

type embedResult struct {
	vec []float32
	err error
}

// NewGateway builds a Gateway with an empty driver registry and a
// cache of cacheSize entries (DefaultCacheSize if cacheSize <= 0).
func NewGateway(cacheSize int) *Gateway {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[[32]byte, []float32](cacheSize)
	return &Gateway{
		drivers: make(map[string]contracts.EmbeddingDriver),
		cache:   cache,
	}
}

// Register adds a driver to the registry. The first registered driver
// becomes active; callers may call SetActive to change it.
func (g *Gateway) Register(d contracts.EmbeddingDriver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[d.Kind()] = d
	if g.active == "" {
		g.active = d.Kind()
	}
}

// SetActive selects which registered driver subsequent Embed calls use.
func (g *Gateway) SetActive(kind string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.drivers[kind]; !ok {
		return false
	}
	g.active = kind
	return true
}

func (g *Gateway) activeDriver() contracts.EmbeddingDriver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.drivers[g.active]
}

// Dimensions reports the active driver's vector length, or 0 if none is
// registered.
func (g *Gateway) Dimensions() int {
	d := g.activeDriver()
	if d == nil {
		return 0
	}
	return d.Dimensions()
}

func contentHash(text string) [32]byte {
	return blake2s.Sum256([]byte(text))
}

// Embed returns the vector for one piece of text, serving from cache
// when possible and otherwise joining the in-flight coalescing batch.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	h := contentHash(text)
	if v, ok := g.cache.Get(h); ok {
		return v, nil
	}

	req := batchRequest{text: text, result: make(chan embedResult, 1)}
	g.enqueue(req)

	select {
	case res := <-req.result:
		if res.err == nil {
			g.cache.Add(h, res.vec)
		}
		return res.vec, res.err
	case <-ctx.Done():
		return nil, contracts.NewTimeoutError("embedding cancelled: %v", ctx.Err())
	}
}

// EmbedBatch embeds many texts without going through the coalescing
// batcher (the caller has already done the batching).
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	driver := g.activeDriver()
	if driver == nil {
		return zeroVectors(len(texts), 0), contracts.NewEmbedderError(nil)
	}

	out := make([][]float32, len(texts))
	misses := make([]string, 0, len(texts))
	missIdx := make([]int, 0, len(texts))
	for i, t := range texts {
		h := contentHash(t)
		if v, ok := g.cache.Get(h); ok {
			out[i] = v
			continue
		}
		misses = append(misses, t)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	for start := 0; start < len(misses); start += MaxBatchInputs {
		end := start + MaxBatchInputs
		if end > len(misses) {
			end = len(misses)
		}
		vecs, err := driver.Embed(ctx, misses[start:end])
		if err != nil {
			return zeroVectors(len(texts), driver.Dimensions()), contracts.NewEmbedderError(err)
		}
		for j, v := range vecs {
			idx := missIdx[start+j]
			out[idx] = v
			g.cache.Add(contentHash(misses[start+j]), v)
		}
	}
	return out, nil
}

func zeroVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
	}
	return out
}

// enqueue adds req to the pending batch, starting the coalescing timer
// if this is the first request since the last flush.
func (g *Gateway) enqueue(req batchRequest) {
	g.batchMu.Lock()
	g.pending = append(g.pending, req)
	startTimer := !g.flushing
	if startTimer {
		g.flushing = true
	}
	full := len(g.pending) >= MaxBatchInputs
	g.batchMu.Unlock()

	if full {
		g.flush()
		return
	}
	if startTimer {
		go func() {
			time.Sleep(CoalesceWindow)
			g.flush()
		}()
	}
}

func (g *Gateway) flush() {
	g.batchMu.Lock()
	if !g.flushing {
		g.batchMu.Unlock()
		return
	}
	batch := g.pending
	g.pending = nil
	g.flushing = false
	g.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	driver := g.activeDriver()
	if driver == nil {
		for _, r := range batch {
			r.result <- embedResult{err: contracts.NewEmbedderError(nil)}
		}
		return
	}

	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.text
	}
	vecs, err := driver.Embed(context.Background(), texts)
	if err != nil {
		zv := make([]float32, driver.Dimensions())
		for _, r := range batch {
			r.result <- embedResult{vec: zv, err: contracts.NewEmbedderError(err)}
		}
		return
	}
	for i, r := range batch {
		r.result <- embedResult{vec: vecs[i]}
	}
}

// HealthCheckAll reports every registered driver's health, taking a
// locked snapshot before calling out so I/O never happens under the
// registry lock.
func (g *Gateway) HealthCheckAll(ctx context.Context) map[string]error {
	g.mu.RLock()
	snapshot := make(map[string]contracts.EmbeddingDriver, len(g.drivers))
	for k, v := range g.drivers {
		snapshot[k] = v
	}
	g.mu.RUnlock()

	out := make(map[string]error, len(snapshot))
	for kind, d := range snapshot {
		out[kind] = d.HealthCheck(ctx)
	}
	return out
}
