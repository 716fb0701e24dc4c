package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bher20/sungrowbridge/internal/storage"
	"github.com/bher20/sungrowbridge/internal/tokens"
)

func newTestService(t *testing.T, v Vendor, mutate func(*Options)) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := Options{
		RedirectURI:     "http://localhost:8000/auth/callback",
		SGPlantName:     "Poolhouse",
		SHPlantName:     "Attic",
		CacheTTL:        90 * time.Second,
		UpstreamTimeout: time.Second,
		State:           storage.NewMemory(),
		Logger:          zerolog.Nop(),
		Now:             clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(context.Background(), v, opts), clock
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []Realtime
	err error
}

func (p *recordingPublisher) Publish(ctx context.Context, rt Realtime) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, rt)
	return p.err
}

type failingStorage struct{}

func (failingStorage) Save(context.Context, storage.State) error {
	return &storage.PersistenceError{Op: "save", Target: "disk", Err: errors.New("read-only file system")}
}

func (failingStorage) Load(context.Context) (*storage.State, error) {
	return nil, &storage.PersistenceError{Op: "load", Target: "disk", Err: errors.New("permission denied")}
}

func (failingStorage) Ping(context.Context) error { return nil }

func (failingStorage) Close() error { return nil }

func TestService_GetRealtimeAll(t *testing.T) {
	v := newFakeVendor()
	s, clock := newTestService(t, v, nil)
	ctx := context.Background()

	first, err := s.GetRealtimeAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.TimestampUnix != clock.Now().Unix() {
		t.Errorf("unexpected timestamp %d", first.TimestampUnix)
	}
	if first.Plants.SG.PlantID != "11" || first.Plants.SH.PlantID != "22" {
		t.Fatalf("unexpected plant ids %+v", first.Plants)
	}
	if *first.Plants.SG.PowerW != 1200 || *first.Plants.SH.PowerW != 800 {
		t.Errorf("unexpected power values")
	}
	if !reflect.DeepEqual([]string{"11", "22"}, v.lastIDs) {
		t.Errorf("expected one call for both ids, got %v", v.lastIDs)
	}

	clock.Advance(10 * time.Second)
	second, err := s.GetRealtimeAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical snapshot within ttl")
	}
	plants, realtime := v.counts()
	if plants != 1 || realtime != 1 {
		t.Fatalf("expected 1 plant list and 1 realtime call, got %d and %d", plants, realtime)
	}

	clock.Advance(80 * time.Second)
	if _, err := s.GetRealtimeAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, realtime := v.counts(); realtime != 2 {
		t.Fatalf("expected refetch after ttl, got %d realtime calls", realtime)
	}
}

func TestService_PlantLineIsIndependent(t *testing.T) {
	v := newFakeVendor()
	s, _ := newTestService(t, v, nil)
	ctx := context.Background()

	if _, err := s.GetRealtimeAll(ctx); err != nil {
		t.Fatal(err)
	}
	snap, err := s.GetRealtimeForPlant(ctx, "Attic")
	if err != nil {
		t.Fatal(err)
	}
	if snap.PlantName != "Attic" || snap.PlantID != "22" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if !reflect.DeepEqual([]string{"22"}, v.lastIDs) {
		t.Errorf("expected single id call, got %v", v.lastIDs)
	}
	s.GetRealtimeForPlant(ctx, "Attic")
	if _, realtime := v.counts(); realtime != 2 {
		t.Fatalf("expected 2 realtime calls, got %d", realtime)
	}
}

func TestService_SamePlantForBothRoles(t *testing.T) {
	v := newFakeVendor()
	s, _ := newTestService(t, v, func(o *Options) { o.SHPlantName = "Poolhouse" })
	rt, err := s.GetRealtimeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual([]string{"11"}, v.lastIDs) {
		t.Errorf("expected deduplicated ids, got %v", v.lastIDs)
	}
	if rt.Plants.SH.PlantID != "11" {
		t.Errorf("unexpected sh plant %+v", rt.Plants.SH)
	}
}

func TestService_UnknownPlant(t *testing.T) {
	v := newFakeVendor()
	s, _ := newTestService(t, v, func(o *Options) { o.SGPlantName = "Garage" })

	_, err := s.GetRealtimeAll(context.Background())
	var nf *PlantNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected PlantNotFoundError, got %v", err)
	}
	if !reflect.DeepEqual([]string{"Attic", "Poolhouse"}, nf.Known) {
		t.Errorf("unexpected known names %v", nf.Known)
	}
	if _, realtime := v.counts(); realtime != 0 {
		t.Errorf("no realtime call expected, got %d", realtime)
	}
}

func TestService_UpstreamTimeout(t *testing.T) {
	v := newFakeVendor()
	v.waitForCtx = true
	s, _ := newTestService(t, v, func(o *Options) { o.UpstreamTimeout = 20 * time.Millisecond })

	_, err := s.GetRealtimeAll(context.Background())
	var up *UpstreamFetchError
	if !errors.As(err, &up) {
		t.Fatalf("expected UpstreamFetchError, got %v", err)
	}
	if !up.Timeout() || !up.Retryable() {
		t.Errorf("expected retryable timeout, got %v", up)
	}
}

func TestService_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	v := newFakeVendor()
	s, _ := newTestService(t, v, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.GetRealtimeAll(ctx); err != nil {
		t.Fatalf("expected fetch to complete for a cancelled caller, got %v", err)
	}
}

func TestService_AuthorizeWithCode(t *testing.T) {
	v := newFakeVendor()
	tokenPath := filepath.Join(t.TempDir(), "tokens.json")
	state := storage.NewMemory()
	s, _ := newTestService(t, v, func(o *Options) {
		o.Tokens = tokens.NewStore(tokenPath)
		o.State = state
	})

	if s.Authorized() {
		t.Fatal("expected unauthorized before exchange")
	}
	if err := s.AuthorizeWithCode(context.Background(), "abc"); err != nil {
		t.Fatal(err)
	}
	if !s.Authorized() {
		t.Error("expected authorized after exchange")
	}

	data, err := os.ReadFile(tokenPath)
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if string(data) != `{"access_token":"abc"}` {
		t.Errorf("unexpected token file %s", data)
	}

	persisted, _ := state.Load(context.Background())
	if want := map[string]string{"Poolhouse": "11", "Attic": "22"}; !reflect.DeepEqual(want, persisted.PlantIDsByName) {
		t.Errorf("plant index not persisted: %v", persisted.PlantIDsByName)
	}
	if want := map[string]string{"Poolhouse": "11", "Attic": "22"}; !reflect.DeepEqual(want, s.KnownPlants()) {
		t.Errorf("unexpected known plants %v", s.KnownPlants())
	}
}

func TestService_AuthorizeFailures(t *testing.T) {
	t.Run("exchange rejected", func(t *testing.T) {
		v := newFakeVendor()
		v.authErr = errors.New("invalid code")
		s, _ := newTestService(t, v, nil)

		err := s.AuthorizeWithCode(context.Background(), "bad")
		var ae *AuthorizationError
		if !errors.As(err, &ae) {
			t.Fatalf("expected AuthorizationError, got %v", err)
		}
		if s.Authorized() {
			t.Error("failed exchange must not authorize")
		}
		if plants, _ := v.counts(); plants != 0 {
			t.Error("failed exchange must not resolve plants")
		}
	})

	t.Run("resolution fails after exchange", func(t *testing.T) {
		v := newFakeVendor()
		v.plantsErr = errors.New("gateway down")
		s, _ := newTestService(t, v, nil)

		err := s.AuthorizeWithCode(context.Background(), "abc")
		var up *UpstreamFetchError
		if !errors.As(err, &up) {
			t.Fatalf("expected resolution error to propagate, got %v", err)
		}
		if !s.Authorized() {
			t.Error("exchange succeeded, service should be authorized")
		}
	})
}

func TestService_TokenRefreshIsPersisted(t *testing.T) {
	v := newFakeVendor()
	tokenPath := filepath.Join(t.TempDir(), "tokens.json")
	newTestService(t, v, func(o *Options) { o.Tokens = tokens.NewStore(tokenPath) })

	v.mu.Lock()
	v.credential = []byte(`{"access_token":"refreshed"}`)
	hook := v.onToken
	v.mu.Unlock()
	if hook == nil {
		t.Fatal("service did not register a token hook")
	}
	hook()

	data, err := os.ReadFile(tokenPath)
	if err != nil || string(data) != `{"access_token":"refreshed"}` {
		t.Fatalf("expected refreshed token on disk, got %s, %v", data, err)
	}
}

func TestService_RestartRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "tokens.json")
	state := storage.NewFileStorage(filepath.Join(dir, "cache.json"))
	withFiles := func(o *Options) {
		o.Tokens = tokens.NewStore(tokenPath)
		o.State = state
	}

	v1 := newFakeVendor()
	s1, clock := newTestService(t, v1, withFiles)
	if err := s1.AuthorizeWithCode(context.Background(), "abc"); err != nil {
		t.Fatal(err)
	}
	before, err := s1.GetRealtimeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.GetRealtimeForPlant(context.Background(), "Attic"); err != nil {
		t.Fatal(err)
	}
	wantState := s1.State()

	v2 := newFakeVendor()
	s2 := New(context.Background(), v2, Options{
		SGPlantName: "Poolhouse",
		SHPlantName: "Attic",
		CacheTTL:    90 * time.Second,
		Tokens:      tokens.NewStore(tokenPath),
		State:       state,
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return clock.Now().Add(30 * time.Second) },
	})

	if !s2.Authorized() {
		t.Error("expected tokens to be restored")
	}
	if string(v2.credential) != `{"access_token":"abc"}` {
		t.Errorf("unexpected restored credential %s", v2.credential)
	}
	if !reflect.DeepEqual(s1.KnownPlants(), s2.KnownPlants()) {
		t.Errorf("plant index not restored: %v", s2.KnownPlants())
	}
	gotState := s2.State()
	if !reflect.DeepEqual(wantState.CacheTS, gotState.CacheTS) {
		t.Errorf("timestamps not preserved: want %v, got %v", wantState.CacheTS, gotState.CacheTS)
	}

	after, err := s2.GetRealtimeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if plants, realtime := v2.counts(); plants != 0 || realtime != 0 {
		t.Fatalf("expected warm restart, got %d plant and %d realtime calls", plants, realtime)
	}
	if !reflect.DeepEqual(encode(t, before), encode(t, after)) {
		t.Errorf("restored snapshot differs\nbefore %v\nafter  %v", encode(t, before), encode(t, after))
	}
}

func TestService_PersistenceFailuresAreSwallowed(t *testing.T) {
	v := newFakeVendor()
	s, _ := newTestService(t, v, func(o *Options) {
		o.State = failingStorage{}
		o.Tokens = tokens.NewStore(filepath.Join(t.TempDir(), "missing-dir", "\x00bad"))
	})

	if err := s.AuthorizeWithCode(context.Background(), "abc"); err != nil {
		t.Fatalf("persistence failure leaked: %v", err)
	}
	if _, err := s.GetRealtimeAll(context.Background()); err != nil {
		t.Fatalf("persistence failure leaked: %v", err)
	}
	if len(s.KnownPlants()) != 2 {
		t.Error("in-memory index should stay authoritative")
	}
}

func TestService_PublishesFreshSnapshotsOnly(t *testing.T) {
	v := newFakeVendor()
	pub := &recordingPublisher{err: errors.New("broker offline")}
	s, clock := newTestService(t, v, func(o *Options) { o.Publisher = pub })
	ctx := context.Background()

	s.GetRealtimeAll(ctx)
	clock.Advance(5 * time.Second)
	s.GetRealtimeAll(ctx)
	s.GetRealtimeForPlant(ctx, "Attic")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.got) != 1 {
		t.Fatalf("expected one publication, got %d", len(pub.got))
	}
	if pub.got[0].Plants.SG.PlantName != "Poolhouse" {
		t.Errorf("unexpected published snapshot %+v", pub.got[0])
	}
}

func TestService_AuthURL(t *testing.T) {
	s, _ := newTestService(t, newFakeVendor(), nil)
	want := "https://vendor.example/authorize?redirect=http://localhost:8000/auth/callback"
	if got := s.AuthURL(); got != want || s.AuthURL() != got {
		t.Fatalf("expected stable %q, got %q", want, got)
	}
}

func TestService_RefreshPlants(t *testing.T) {
	v := newFakeVendor()
	s, _ := newTestService(t, v, nil)

	idx, err := s.RefreshPlants(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 2 {
		t.Fatalf("unexpected index %v", idx)
	}
	idx["Injected"] = "0"
	if _, ok := s.KnownPlants()["Injected"]; ok {
		t.Error("RefreshPlants must return a copy")
	}
}

func TestService_CacheMetricsIgnorePlantNames(t *testing.T) {
	svc, _ := newTestService(t, newFakeVendor(), nil)
	for i := 0; i < 50; i++ {
		_, _ = svc.GetRealtimeForPlant(context.Background(), fmt.Sprintf("bogus-%d", i))
	}
	if _, err := svc.GetRealtimeAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	allowed := map[string]bool{"all": true, "plant": true, "test": true}
	var seen int
	for _, mf := range families {
		if mf.GetName() != "sungrowbridge_cache_lookups_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "line" && !allowed[lp.GetValue()] {
					t.Errorf("unexpected line label %q", lp.GetValue())
				}
			}
			seen++
		}
	}
	// At most a hit and a miss series for each fixed line.
	if seen == 0 || seen > 2*len(allowed) {
		t.Errorf("expected a bounded set of cache lookup series, got %d", seen)
	}
}
