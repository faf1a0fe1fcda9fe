package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mseverin/fetchkit/internal/testutil"
	"github.com/mseverin/fetchkit/pkg/cache"
	"github.com/mseverin/fetchkit/pkg/cachecontrol"
)

func cachingClient(t *testing.T, origin *testutil.MockOrigin) (*Client, *cache.MemoryProvider) {
	t.Helper()
	provider := cache.NewMemoryProvider("mem", cache.MemoryConfig{})
	c := newTestClient(t, origin, Config{
		BaseURL:        origin.URL(),
		CacheProviders: []cache.Provider{provider},
	})
	return c, provider
}

func seedEntry(t *testing.T, provider cache.Provider, key, value string, updated time.Time, rec cachecontrol.Record, headers http.Header) {
	t.Helper()
	backend, err := provider.Create(DefaultTable)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if headers == nil {
		headers = http.Header{}
	}
	err = backend.Set(context.Background(), key, &cache.Entry{
		Key:          key,
		Table:        DefaultTable,
		Updated:      updated,
		Value:        json.RawMessage(value),
		Headers:      headers,
		CacheControl: rec,
	})
	if err != nil {
		t.Fatalf("seed Set() error: %v", err)
	}
}

func getEntry(t *testing.T, provider cache.Provider, key string) (*cache.Entry, error) {
	t.Helper()
	backend, err := provider.Create(DefaultTable)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return backend.Get(context.Background(), key)
}

// waitForValue polls the cache until the key holds want (write-through is
// fire-and-forget).
func waitForValue(t *testing.T, provider cache.Provider, key, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, err := getEntry(t, provider, key); err == nil && string(entry.Value) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cache never converged to %s for key %s", want, key)
}

func recvUpdate(t *testing.T, ch <-chan UpdateResult) UpdateResult {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("update channel never resolved")
		return UpdateResult{}
	}
}

func TestCoordinator_MissThenFreshHit(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/data", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result":"one"}`,
		Headers:    map[string]string{"Cache-Control": "max-age=300"},
	})

	c, provider := cachingClient(t, origin)
	opts := &RequestOptions{UseCache: &CacheOptions{Key: "data"}}

	res, err := c.GetJSON(context.Background(), "/data", opts)
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if res.FromCache {
		t.Error("first request served from cache")
	}
	waitForValue(t, provider, "data", `{"result":"one"}`)

	// Second request: fresh hit, transport untouched.
	before := origin.GetRequestCount()
	res, err = c.GetJSON(context.Background(), "/data", opts)
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if !res.FromCache {
		t.Error("fresh entry not served from cache")
	}
	if string(res.Value) != `{"result":"one"}` {
		t.Errorf("Value = %s", res.Value)
	}
	if origin.GetRequestCount() != before {
		t.Error("fresh hit touched the transport")
	}
}

func TestCoordinator_NoKeyBypasses(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	c, provider := cachingClient(t, origin)

	if _, err := c.GetJSON(context.Background(), "/data", &RequestOptions{
		UseCache: &CacheOptions{},
	}); err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := getEntry(t, provider, ""); !errors.Is(err, cache.ErrMiss) {
		t.Error("keyless request wrote to the cache")
	}
}

func TestCoordinator_NoStoreNeverWrites(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetSequence("/volatile",
		testutil.MockResponse{StatusCode: 200, Body: `{"n":1}`, Headers: map[string]string{"Cache-Control": "no-store"}},
		testutil.MockResponse{StatusCode: 200, Body: `{"n":2}`, Headers: map[string]string{"Cache-Control": "no-store"}},
	)

	c, provider := cachingClient(t, origin)
	opts := &RequestOptions{UseCache: &CacheOptions{Key: "volatile"}}

	first, err := c.GetJSON(context.Background(), "/volatile", opts)
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	second, err := c.GetJSON(context.Background(), "/volatile", opts)
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}

	if string(first.Value) == string(second.Value) {
		t.Error("no-store responses were served from cache")
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := getEntry(t, provider, "volatile"); !errors.Is(err, cache.ErrMiss) {
		t.Error("no-store response was written through")
	}
}

func TestCoordinator_StaleRevalidates304(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetHandler("/doc", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"served"}`))
	})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"cached"}`,
		time.Now().Add(-10*time.Minute),
		cachecontrol.Record{MaxAge: cachecontrol.Seconds(60)},
		h("Etag", `"v1"`))

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Update: true},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"cached"}` {
		t.Errorf("Value = %s, want cached value retained on 304", res.Value)
	}
	if origin.GetConditionalCount() != 1 {
		t.Errorf("conditional requests = %d, want 1", origin.GetConditionalCount())
	}

	upd := recvUpdate(t, res.Update)
	if reason, ok := IsNoUpdate(upd.Err); !ok || reason != NoUpdateUnchanged {
		t.Errorf("update = %+v, want NoUpdate(Unchanged)", upd)
	}
}

func TestCoordinator_StaleRevalidates200(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result":"fresh"}`,
		Headers:    map[string]string{"Cache-Control": "max-age=60", "ETag": `"v2"`},
	})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"old"}`,
		time.Now().Add(-10*time.Minute),
		cachecontrol.Record{MaxAge: cachecontrol.Seconds(60)},
		h("Etag", `"v1"`))

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc"},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"fresh"}` {
		t.Errorf("Value = %s", res.Value)
	}
	waitForValue(t, provider, "doc", `{"result":"fresh"}`)
}

func TestCoordinator_StaleWhileRevalidate(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result":"fresh"}`,
		Headers:    map[string]string{"Cache-Control": "max-age=60"},
		Delay:      100 * time.Millisecond,
	})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"stale"}`,
		time.Now().Add(-2*time.Minute),
		cachecontrol.Record{
			MaxAge:               cachecontrol.Seconds(60),
			StaleWhileRevalidate: cachecontrol.Seconds(3600),
		}, nil)

	start := time.Now()
	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Update: true},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Errorf("stale value not served immediately (took %v)", elapsed)
	}
	if string(res.Value) != `{"result":"stale"}` {
		t.Errorf("Value = %s, want the stale value", res.Value)
	}

	upd := recvUpdate(t, res.Update)
	if upd.Err != nil {
		t.Fatalf("update error: %v", upd.Err)
	}
	if string(upd.Result.Value) != `{"result":"fresh"}` {
		t.Errorf("update Value = %s", upd.Result.Value)
	}
	waitForValue(t, provider, "doc", `{"result":"fresh"}`)
}

func TestCoordinator_StaleIfError(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{StatusCode: 502, Body: `{"error":"bad gateway"}`})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"survivor"}`,
		time.Now().Add(-2*time.Minute),
		cachecontrol.Record{
			MaxAge:       cachecontrol.Seconds(60),
			StaleIfError: cachecontrol.Seconds(3600),
		}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc"},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v, want stale-if-error fallback", err)
	}
	if string(res.Value) != `{"result":"survivor"}` {
		t.Errorf("Value = %s", res.Value)
	}
}

func TestCoordinator_StaleIfErrorWithUpdate(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{StatusCode: 502, Body: `{"error":"bad gateway"}`})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"survivor"}`,
		time.Now().Add(-2*time.Minute),
		cachecontrol.Record{
			MaxAge:       cachecontrol.Seconds(60),
			StaleIfError: cachecontrol.Seconds(3600),
		}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Update: true},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"survivor"}` {
		t.Errorf("Value = %s", res.Value)
	}

	// The update channel must still resolve, carrying the revalidation
	// failure.
	upd := recvUpdate(t, res.Update)
	var httpErr *HTTPError
	if !errors.As(upd.Err, &httpErr) || httpErr.StatusCode != 502 {
		t.Errorf("update = %+v, want the revalidation HTTPError", upd)
	}
}

func TestCoordinator_StaleWithoutRelaxationPropagatesError(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{StatusCode: 500, Body: `{}`})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"old"}`,
		time.Now().Add(-2*time.Minute),
		cachecontrol.Record{MaxAge: cachecontrol.Seconds(60)}, nil)

	_, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc"},
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("GetJSON() error = %v, want HTTPError", err)
	}
}

func TestCoordinator_UpdateOnFreshHit(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"cached"}`, time.Now(), cachecontrol.Record{}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Update: true},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}

	upd := recvUpdate(t, res.Update)
	if reason, ok := IsNoUpdate(upd.Err); !ok || reason != NoUpdateFreshCache {
		t.Errorf("update = %+v, want NoUpdate(FreshCache)", upd)
	}
}

func TestCoordinator_FetchFirst(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result":"live"}`,
		Headers:    map[string]string{"Cache-Control": "max-age=300"},
	})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"cached"}`, time.Now(), cachecontrol.Record{}, nil)

	// Fetch succeeds: its result wins even over a fresh cache entry.
	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeFetchFirst},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"live"}` {
		t.Errorf("Value = %s", res.Value)
	}
	waitForValue(t, provider, "doc", `{"result":"live"}`)
}

func TestCoordinator_FetchFirstFallsBackOnError(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{StatusCode: 503, Body: `{}`})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"fallback"}`, time.Now(), cachecontrol.Record{}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeFetchFirst},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"fallback"}` || !res.FromCache {
		t.Errorf("result = %s (fromCache=%v)", res.Value, res.FromCache)
	}
}

func TestCoordinator_FetchFirstRethrowsWithoutUsableCache(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{StatusCode: 503, Body: `{}`})

	c, provider := cachingClient(t, origin)
	// Stale entry without stale-if-error: not usable as a fallback.
	seedEntry(t, provider, "doc", `{"result":"stale"}`,
		time.Now().Add(-10*time.Minute),
		cachecontrol.Record{MaxAge: cachecontrol.Seconds(60)}, nil)

	_, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeFetchFirst},
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 503 {
		t.Fatalf("GetJSON() error = %v, want the original HTTPError", err)
	}
}

func TestCoordinator_RaceStaleCacheNoUpdate(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result":"fresh"}`,
		Delay:      100 * time.Millisecond,
	})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"stale"}`, time.Now(), cachecontrol.Record{}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeRace},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"stale"}` {
		t.Errorf("Value = %s, want the cached value", res.Value)
	}

	// A subsequent non-cached fetch observes the server's value.
	direct, err := c.GetJSON(context.Background(), "/doc", nil)
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(direct.Value) != `{"result":"fresh"}` {
		t.Errorf("direct Value = %s", direct.Value)
	}
}

func TestCoordinator_RaceWithUpdate(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result":"fresh"}`,
		Delay:      100 * time.Millisecond,
	})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"stale"}`, time.Now(), cachecontrol.Record{}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeRace, Update: true},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"stale"}` {
		t.Errorf("initial Value = %s, want cached", res.Value)
	}

	upd := recvUpdate(t, res.Update)
	if upd.Err != nil {
		t.Fatalf("update error: %v", upd.Err)
	}
	if string(upd.Result.Value) != `{"result":"fresh"}` {
		t.Errorf("update Value = %s", upd.Result.Value)
	}
}

func TestCoordinator_RaceEqualYieldsNoUpdateOnce(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result": "same"}`, // different formatting, same value
		Delay:      50 * time.Millisecond,
	})

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"same"}`, time.Now(), cachecontrol.Record{}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeRace, Update: true},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}

	upd := recvUpdate(t, res.Update)
	if reason, ok := IsNoUpdate(upd.Err); !ok || reason != NoUpdateEqual {
		t.Fatalf("update = %+v, want NoUpdate(Equal)", upd)
	}

	// Exactly once: no spurious second update.
	select {
	case extra := <-res.Update:
		t.Errorf("spurious second update: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinator_RaceMissFallsThroughToFetch(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"result":"fetched"}`,
		Headers:    map[string]string{"Cache-Control": "max-age=300"},
	})

	c, provider := cachingClient(t, origin)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeRace, Update: true},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"fetched"}` {
		t.Errorf("Value = %s", res.Value)
	}

	upd := recvUpdate(t, res.Update)
	if reason, ok := IsNoUpdate(upd.Err); !ok || reason != NoUpdateNoCached {
		t.Errorf("update = %+v, want NoUpdate(NoCached)", upd)
	}
	waitForValue(t, provider, "doc", `{"result":"fetched"}`)
}

func TestCoordinator_RaceFetchFailsServesCache(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{StatusCode: 503, Body: `{}`})

	c, provider := cachingClient(t, origin)
	// Stale without relaxations: the fetch branch decides, and its failure
	// falls back to the stale entry.
	seedEntry(t, provider, "doc", `{"result":"stale"}`,
		time.Now().Add(-10*time.Minute),
		cachecontrol.Record{MaxAge: cachecontrol.Seconds(60)}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeRace},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if string(res.Value) != `{"result":"stale"}` {
		t.Errorf("Value = %s", res.Value)
	}
}

func TestCoordinator_RaceBothFailPropagatesFetchError(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/doc", testutil.MockResponse{StatusCode: 502, Body: `{}`})

	c, _ := cachingClient(t, origin)

	_, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", Mode: ModeRace},
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 502 {
		t.Fatalf("GetJSON() error = %v, want HTTPError 502", err)
	}
}

func TestCoordinator_ForcedNoStoreBypasses(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	c, provider := cachingClient(t, origin)
	seedEntry(t, provider, "doc", `{"result":"cached"}`, time.Now(), cachecontrol.Record{}, nil)

	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{
			Key:                "doc",
			ForcedCacheControl: cachecontrol.Record{NoStore: cachecontrol.Bool(true)},
		},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if res.FromCache {
		t.Error("forced no-store still served from cache")
	}
}

func TestCoordinator_ActiveCacheRestriction(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	seeded := cache.NewMemoryProvider("seeded", cache.MemoryConfig{})
	empty := cache.NewMemoryProvider("empty", cache.MemoryConfig{})
	c := newTestClient(t, origin, Config{
		BaseURL:        origin.URL(),
		CacheProviders: []cache.Provider{empty, seeded},
	})
	seedEntry(t, seeded, "doc", `{"result":"cached"}`, time.Now(), cachecontrol.Record{}, nil)

	// Restricted to the seeded provider, the hit is served from cache.
	res, err := c.GetJSON(context.Background(), "/doc", &RequestOptions{
		UseCache: &CacheOptions{Key: "doc", ActiveCache: []string{"seeded"}},
	})
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if !res.FromCache || string(res.Value) != `{"result":"cached"}` {
		t.Errorf("result = %s (fromCache=%v)", res.Value, res.FromCache)
	}
}
