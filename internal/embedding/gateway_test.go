package embedding_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/trinitas/tmws/internal/embedding"
)

func newTestGateway(t *testing.T) *embedding.Gateway {
	t.Helper()
	g := embedding.NewGateway(16)
	g.Register(embedding.NewStaticDriver(8))
	return g
}

// countingDriver wraps a StaticDriver to record how many times Embed is
// called and with how many texts, so cache hits and batch coalescing
// can be asserted without inspecting Gateway internals.
type countingDriver struct {
	*embedding.StaticDriver
	calls      int32
	totalTexts int32
}

func (d *countingDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&d.calls, 1)
	atomic.AddInt32(&d.totalTexts, int32(len(texts)))
	return d.StaticDriver.Embed(ctx, texts)
}

func newCountingGateway(t *testing.T) (*embedding.Gateway, *countingDriver) {
	t.Helper()
	d := &countingDriver{StaticDriver: embedding.NewStaticDriver(8)}
	g := embedding.NewGateway(16)
	g.Register(d)
	return g, d
}

func TestEmbed_Deterministic(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	v1, err := g.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	v2, err := g.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(v1) != 8 {
		t.Fatalf("len(v1) = %d, want 8", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("Embed() not deterministic at index %d: %v != %v", i, v1[i], v2[i])
		}
	}
}

func TestEmbed_DifferentTextsDiffer(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	v1, _ := g.Embed(ctx, "project apollo kickoff")
	v2, _ := g.Embed(ctx, "completely unrelated text")

	same := true
	for i := range v1 {
		if v1[i] != v2[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("expected different inputs to embed to different vectors")
	}
}

func TestEmbedBatch(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	vecs, err := g.EmbedBatch(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("len(vecs) = %d, want 3", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 8 {
			t.Errorf("vecs[%d] has length %d, want 8", i, len(v))
		}
	}
}

func TestEmbedBatch_NoDriver(t *testing.T) {
	g := embedding.NewGateway(16)
	_, err := g.EmbedBatch(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("expected an error with no registered driver")
	}
}

// The cache is keyed by content hash (spec.md §4.A), so a repeated
// Embed for the same text must never reach the driver a second time.
func TestEmbed_CacheHitSkipsDriver(t *testing.T) {
	g, d := newCountingGateway(t)
	ctx := context.Background()

	if _, err := g.Embed(ctx, "quarterly roadmap notes"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if _, err := g.Embed(ctx, "quarterly roadmap notes"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if got := atomic.LoadInt32(&d.calls); got != 1 {
		t.Errorf("driver.Embed called %d times, want 1 (second call should hit the cache)", got)
	}
}

// EmbedBatch must serve cache hits directly and only send the misses to
// the driver.
func TestEmbedBatch_OnlySendsCacheMissesToDriver(t *testing.T) {
	g, d := newCountingGateway(t)
	ctx := context.Background()

	if _, err := g.Embed(ctx, "already cached"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	vecs, err := g.EmbedBatch(ctx, []string{"already cached", "brand new"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("len(vecs) = %d, want 2", len(vecs))
	}
	if got := atomic.LoadInt32(&d.totalTexts); got != 2 {
		t.Errorf("driver saw %d texts total, want 2 (1 for the warm-up Embed, 1 for the miss)", got)
	}
}

// Concurrent Embed calls within the coalescing window must join a
// single driver call rather than issuing one round trip each.
func TestEmbed_ConcurrentCallsCoalesceIntoOneDriverCall(t *testing.T) {
	g, d := newCountingGateway(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 10
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Embed(ctx, "shared coalescing target")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Embed()[%d] error = %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&d.calls); got != 1 {
		t.Errorf("driver.Embed called %d times for %d concurrent identical requests, want 1", got, n)
	}
}
