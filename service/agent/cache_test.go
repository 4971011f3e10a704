package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-agent-backend/service/fleetdb"

	"github.com/tmc/langchaingo/llms"
)

// buildRecorder 记录每次装配并保留其会话，便于断言驱逐与关闭
type buildRecorder struct {
	built    []CacheKey
	bindings []*fakeBinding
	verify   bool
	err      error
}

func (r *buildRecorder) build(ctx context.Context, key CacheKey) (*Agent, error) {
	if r.err != nil {
		return nil, r.err
	}
	binding := &fakeBinding{verifyResult: r.verify}
	r.built = append(r.built, key)
	r.bindings = append(r.bindings, binding)
	return New(Config{Session: binding}), nil
}

func TestCacheTenantSwitchEvictsSameRole(t *testing.T) {
	ctx := context.Background()
	rec := &buildRecorder{verify: true}
	cache := NewCache(rec.build)

	keys := []CacheKey{
		{FleetID: "fleet-1", Role: "end_user", Model: "mistral-medium-latest"},
		{FleetID: "fleet-1", Role: "end_user", Model: "mistral-large-latest"},
		{FleetID: "fleet-1", Role: "fleet_admin", Model: "mistral-medium-latest"},
	}
	for _, key := range keys {
		if _, err := cache.Acquire(ctx, key); err != nil {
			t.Fatalf("acquire %v failed: %v", key, err)
		}
	}

	// 同角色切换车队：end_user 下 fleet-1 的两个条目都要被驱逐
	switched := CacheKey{FleetID: "fleet-2", Role: "end_user", Model: "mistral-medium-latest"}
	if _, err := cache.Acquire(ctx, switched); err != nil {
		t.Fatalf("acquire %v failed: %v", switched, err)
	}

	if rec.bindings[0].closed.Load() != 1 || rec.bindings[1].closed.Load() != 1 {
		t.Fatalf("evicted sessions not closed: %d, %d", rec.bindings[0].closed.Load(), rec.bindings[1].closed.Load())
	}
	if rec.bindings[2].closed.Load() != 0 {
		t.Fatal("other role session was closed on tenant switch")
	}

	stats := cache.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats = %v, want 2 entries", stats)
	}
	for _, key := range stats {
		if key.Role == "end_user" && key.FleetID != "fleet-2" {
			t.Fatalf("stale end_user entry survived: %v", key)
		}
	}

	// 重复请求同一车队不触发重建
	builds := len(rec.built)
	if _, err := cache.Acquire(ctx, switched); err != nil {
		t.Fatalf("acquire %v failed: %v", switched, err)
	}
	if len(rec.built) != builds {
		t.Fatalf("builds = %d, want %d (cached entry reused)", len(rec.built), builds)
	}
}

func TestCacheRebuildsOnVerifyFailure(t *testing.T) {
	ctx := context.Background()
	rec := &buildRecorder{verify: false}
	cache := NewCache(rec.build)

	key := CacheKey{FleetID: "fleet-1", Role: "end_user", Model: "mistral-medium-latest"}
	if _, err := cache.Acquire(ctx, key); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := cache.Acquire(ctx, key); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if len(rec.built) != 2 {
		t.Fatalf("builds = %d, want rebuild after failed verification", len(rec.built))
	}
	if rec.bindings[0].closed.Load() != 1 {
		t.Fatal("failed session not closed on eviction")
	}
}

func TestCacheBuildErrorNotCached(t *testing.T) {
	ctx := context.Background()
	buildErr := errors.New("connect refused")
	rec := &buildRecorder{err: buildErr}
	cache := NewCache(rec.build)

	key := CacheKey{FleetID: "fleet-1", Role: "end_user", Model: "mistral-medium-latest"}
	if _, err := cache.Acquire(ctx, key); !errors.Is(err, buildErr) {
		t.Fatalf("expected build error, got %v", err)
	}
	if len(cache.Stats()) != 0 {
		t.Fatalf("failed build left an entry: %v", cache.Stats())
	}
}

// 租户切换撞上进行中的运行时，驱逐必须等该运行结束才关闭连接
func TestCacheEvictionWaitsForInFlightRun(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})

	var bindings []*fakeBinding
	build := func(ctx context.Context, key CacheKey) (*Agent, error) {
		binding := &fakeBinding{verifyResult: true}
		bindings = append(bindings, binding)

		respond := scriptedRespond
		if key.FleetID == "fleet-1" {
			respond = func(n int, msgs []llms.MessageContent) (*llms.ContentChoice, error) {
				if n == 0 {
					close(started)
					<-release
				}
				return scriptedRespond(n, msgs)
			}
		}

		store := &fakeStore{
			tables: []string{"trips"},
			schemas: map[string][]fleetdb.ColumnInfo{
				"trips": {{Name: "trip_id", DataType: "text"}},
			},
			result: &fleetdb.RowSet{Columns: []string{"count"}, Rows: [][]string{{"3"}}},
		}
		return New(Config{
			LLM:           &fakeModel{respond: respond},
			Tools:         NewTools(store, 100, time.Second),
			Session:       binding,
			RowLimit:      100,
			TimeLimitSec:  10,
			MaxIterations: 5,
		}), nil
	}
	cache := NewCache(build)

	first, err := cache.Acquire(ctx, CacheKey{FleetID: "fleet-1", Role: "end_user", Model: "mistral-medium-latest"})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	runDone := make(chan error, 1)
	go func() {
		_, err := first.Run(ctx, nil, "How many trips?", nil)
		runDone <- err
	}()
	<-started

	acquireDone := make(chan struct{})
	go func() {
		defer close(acquireDone)
		if _, err := cache.Acquire(ctx, CacheKey{FleetID: "fleet-2", Role: "end_user", Model: "mistral-medium-latest"}); err != nil {
			t.Errorf("acquire during run failed: %v", err)
		}
	}()

	// 给切换请求留出走到驱逐的时间，运行中的会话必须保持打开
	time.Sleep(50 * time.Millisecond)
	if bindings[0].closed.Load() != 0 {
		t.Fatal("session closed while a run was still in-flight")
	}

	close(release)
	if err := <-runDone; err != nil {
		t.Fatalf("in-flight run failed: %v", err)
	}
	<-acquireDone

	if bindings[0].closed.Load() != 1 {
		t.Fatal("stale session not closed after the run finished")
	}
}

func TestCacheShutdownClosesAll(t *testing.T) {
	ctx := context.Background()
	rec := &buildRecorder{verify: true}
	cache := NewCache(rec.build)

	for _, fleet := range []string{"fleet-1", "fleet-2"} {
		key := CacheKey{FleetID: fleet, Role: "fleet_admin", Model: "mistral-medium-latest"}
		if _, err := cache.Acquire(ctx, key); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
	}

	cache.Shutdown(ctx)

	for i, binding := range rec.bindings {
		if binding.closed.Load() != 1 {
			t.Fatalf("session %d not closed on shutdown", i)
		}
	}
	if len(cache.Stats()) != 0 {
		t.Fatalf("stats after shutdown = %v", cache.Stats())
	}
}
