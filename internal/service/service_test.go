package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kjstillabower/epsgram-notifier/internal/cache"
	"github.com/kjstillabower/epsgram-notifier/internal/client"
	"github.com/kjstillabower/epsgram-notifier/internal/locations"
	"github.com/kjstillabower/epsgram-notifier/internal/models"
	"github.com/kjstillabower/epsgram-notifier/internal/plotstore"
	"github.com/kjstillabower/epsgram-notifier/internal/state"
)

// fakeCharts is an in-process stand-in for the chart API.
type fakeCharts struct {
	mu             sync.Mutex
	server         *httptest.Server
	schemaBasetime string
	schemaStatus   int
	// unavailable holds "station|variant|basetime" triples answered with 404.
	unavailable  map[string]bool
	forbidden    map[string]bool
	brokenImages map[string]bool
	productCalls int
	imageCalls   int
}

func newFakeCharts(t *testing.T) *fakeCharts {
	t.Helper()
	f := &fakeCharts{
		schemaStatus: http.StatusOK,
		unavailable:  make(map[string]bool),
		forbidden:    make(map[string]bool),
		brokenImages: make(map[string]bool),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func triple(station string, v models.Variant, basetime string) string {
	return station + "|" + string(v) + "|" + basetime
}

func (f *fakeCharts) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/schema/":
		if f.schemaStatus != http.StatusOK {
			w.WriteHeader(f.schemaStatus)
			return
		}
		fmt.Fprintf(w, `{"paths":{"/products/opencharts_meteogram/":{"get":{"parameters":[`+
			`{"name":"epsgram","schema":{"default":"classical_10d"}},`+
			`{"name":"base_time","schema":{"default":%q}}]}}}}`, f.schemaBasetime)
	case r.URL.Path == "/products/opencharts_meteogram/":
		f.productCalls++
		q := r.URL.Query()
		key := q.Get("station_name") + "|" + q.Get("epsgram") + "|" + q.Get("base_time")
		if f.forbidden[key] {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if f.unavailable[key] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"product not available"}`))
			return
		}
		name := strings.NewReplacer(" ", "_", ":", "").Replace(key)
		name = strings.ReplaceAll(name, "|", "_")
		fmt.Fprintf(w, `{"data":{"link":{"href":"%s/img/%s.png"}}}`, f.server.URL, name)
	case strings.HasPrefix(r.URL.Path, "/img/"):
		f.imageCalls++
		for k := range f.brokenImages {
			if strings.Contains(r.URL.Path, k) {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png:" + r.URL.Path))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCharts) set(fn func(f *fakeCharts)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeCharts) counts() (products, images int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.productCalls, f.imageCalls
}

type memStates struct {
	mu    sync.Mutex
	snaps map[string]state.Snapshot
}

func (m *memStates) Load(name string) (state.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[name]
	return snap, ok, nil
}

func (m *memStates) Save(snap state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[string]state.Snapshot)
	}
	m.snaps[snap.Name] = snap
	return nil
}

var (
	jan1     = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jan1Wire = "2025-01-01T00:00:00Z"
)

type fixture struct {
	svc    *PlotService
	charts *fakeCharts
	store  *plotstore.Store
	now    time.Time
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	if len(names) == 0 {
		names = []string{"A", "B"}
	}
	var locs []models.Location
	for i, n := range names {
		locs = append(locs, models.Location{Name: n, Latitude: 46.8 + float64(i)/10, Longitude: 9.6, Region: "Test"})
	}
	reg, err := locations.New(locs)
	if err != nil {
		t.Fatalf("locations.New() error = %v", err)
	}

	charts := newFakeCharts(t)
	charts.schemaBasetime = jan1Wire

	api, err := client.New(client.Options{BaseURL: charts.server.URL, Timeout: 2 * time.Second, RetryAttempts: 2})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	store, err := plotstore.New(filepath.Join(t.TempDir(), "plots"), nil)
	if err != nil {
		t.Fatalf("plotstore.New() error = %v", err)
	}

	fx := &fixture{charts: charts, store: store, now: jan1.Add(5 * time.Hour)}
	fx.svc = New(api, reg, store, Options{Now: func() time.Time { return fx.now }})
	return fx
}

func (fx *fixture) setGlobal(bt time.Time) {
	fx.svc.stateMu.Lock()
	fx.svc.global = bt
	fx.svc.stateMu.Unlock()
}

func (fx *fixture) st(name string) *Station {
	return fx.svc.byName[name]
}

func TestNew_StationDefaults(t *testing.T) {
	fx := newFixture(t, "Elm")
	st := fx.st("Elm")
	if !st.hasBeenBroadcasted {
		t.Error("hasBeenBroadcasted should start true")
	}
	if st.plotsCached || !st.basetime.IsZero() {
		t.Errorf("station = %+v, want uncached with no basetime", st)
	}
	if len(st.cachedPaths) != 3 {
		t.Fatalf("cachedPaths = %v", st.cachedPaths)
	}
	want := filepath.Join(fx.store.Dir(), "Elm_classical_plume.png")
	if st.cachedPaths[0] != want {
		t.Errorf("cachedPaths[0] = %q, want %q", st.cachedPaths[0], want)
	}
}

func TestFetchAdvertisedBasetime_Schema(t *testing.T) {
	fx := newFixture(t)
	got, err := fx.svc.FetchAdvertisedBasetime(context.Background(), false, 0)
	if err != nil {
		t.Fatalf("FetchAdvertisedBasetime() error = %v", err)
	}
	if !got.Equal(jan1) {
		t.Errorf("FetchAdvertisedBasetime() = %v, want %v", got, jan1)
	}
}

func TestFetchAdvertisedBasetime_NoFallback(t *testing.T) {
	fx := newFixture(t)
	fx.charts.set(func(f *fakeCharts) { f.schemaStatus = http.StatusServiceUnavailable })
	_, err := fx.svc.FetchAdvertisedBasetime(context.Background(), false, 0)
	if !errors.Is(err, ErrNoBasetimeAvailable) {
		t.Errorf("error = %v, want ErrNoBasetimeAvailable", err)
	}

	fx.charts.set(func(f *fakeCharts) { f.schemaStatus = http.StatusOK; f.schemaBasetime = "yesterday" })
	_, err = fx.svc.FetchAdvertisedBasetime(context.Background(), false, 0)
	if !errors.Is(err, ErrNoBasetimeAvailable) {
		t.Errorf("unparseable default error = %v, want ErrNoBasetimeAvailable", err)
	}
}

func TestFallbackBasetime(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"morning", jan1.Add(5 * time.Hour), jan1},
		{"evening", jan1.Add(23*time.Hour + 59*time.Minute), jan1.Add(12 * time.Hour)},
		{"exactly on boundary", jan1.Add(12 * time.Hour), jan1},
		{"midnight", jan1, jan1.Add(-12 * time.Hour)},
		{"non-UTC zone", jan1.Add(13 * time.Hour).In(time.FixedZone("CET", 3600)), jan1.Add(12 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fallbackBasetime(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("fallbackBasetime(%v) = %v, want %v", tt.now, got, tt.want)
			}
			if !got.Before(tt.now) {
				t.Errorf("fallbackBasetime(%v) = %v is not in the past", tt.now, got)
			}
		})
	}
}

func TestFetchAdvertisedBasetime_TimeShiftRoundTrip(t *testing.T) {
	for _, schemaUp := range []bool{true, false} {
		for _, shift := range []int{3, 12, 24, -12} {
			t.Run(fmt.Sprintf("schema=%v/shift=%d", schemaUp, shift), func(t *testing.T) {
				fx := newFixture(t)
				if !schemaUp {
					fx.charts.set(func(f *fakeCharts) { f.schemaStatus = http.StatusBadGateway })
				}
				ctx := context.Background()
				shifted, err := fx.svc.FetchAdvertisedBasetime(ctx, true, shift)
				if err != nil {
					t.Fatalf("shifted error = %v", err)
				}
				base, err := fx.svc.FetchAdvertisedBasetime(ctx, true, 0)
				if err != nil {
					t.Fatalf("base error = %v", err)
				}
				if diff := base.Sub(shifted); diff != time.Duration(shift)*time.Hour {
					t.Errorf("difference = %v, want %dh", diff, shift)
				}
			})
		}
	}
}

func TestParseSchemaBasetime(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    time.Time
		wantErr bool
	}{
		{"top-level default", `{"base_time":{"default":"2025-01-01T12:00:00Z"}}`, jan1.Add(12 * time.Hour), false},
		{"no paths", `{"info":{}}`, time.Time{}, true},
		{"no base_time parameter", `{"paths":{"/x/":{"get":{"parameters":[{"name":"epsgram"}]}}}}`, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSchemaBasetime(jsoniter.Get([]byte(tt.body)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSchemaBasetime() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("parseSchemaBasetime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpgradeGlobalBasetime(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if !fx.svc.UpgradeGlobalBasetime(ctx) {
		t.Fatal("first UpgradeGlobalBasetime() = false, want true")
	}
	if fx.svc.UpgradeGlobalBasetime(ctx) {
		t.Error("repeat UpgradeGlobalBasetime() = true, want false (idempotent)")
	}

	fx.charts.set(func(f *fakeCharts) { f.schemaStatus = http.StatusInternalServerError })
	if fx.svc.UpgradeGlobalBasetime(ctx) {
		t.Error("UpgradeGlobalBasetime() on failure = true")
	}
	if !fx.svc.GlobalBasetime().Equal(jan1) {
		t.Errorf("global after failure = %v, want retained %v", fx.svc.GlobalBasetime(), jan1)
	}

	fx.charts.set(func(f *fakeCharts) { f.schemaStatus = http.StatusOK; f.schemaBasetime = "2025-01-01T12:00:00Z" })
	if !fx.svc.UpgradeGlobalBasetime(ctx) {
		t.Error("UpgradeGlobalBasetime() after new run = false")
	}
}

func TestConfirmedRun_Scenario(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	ctx := context.Background()

	got, err := fx.svc.ConfirmedRun(ctx, "L")
	if err != nil {
		t.Fatalf("ConfirmedRun() error = %v", err)
	}
	if models.FormatBasetime(got) != jan1Wire {
		t.Errorf("ConfirmedRun() = %s, want %s", models.FormatBasetime(got), jan1Wire)
	}

	fx.charts.set(func(f *fakeCharts) { f.unavailable[triple("L", models.VariantEPS15d, jan1Wire)] = true })
	got, _ = fx.svc.ConfirmedRun(ctx, "L")
	if models.FormatBasetime(got) != "2024-12-31T12:00:00Z" {
		t.Errorf("ConfirmedRun() with one variant missing = %s, want 2024-12-31T12:00:00Z", models.FormatBasetime(got))
	}
}

func TestConfirmedRun_ForbiddenIsUnavailable(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	fx.charts.set(func(f *fakeCharts) { f.forbidden[triple("L", models.VariantPlume10d, jan1Wire)] = true })

	got, err := fx.svc.ConfirmedRun(context.Background(), "L")
	if err != nil {
		t.Fatalf("ConfirmedRun() error = %v, want probe errors swallowed", err)
	}
	if !got.Equal(jan1.Add(-12 * time.Hour)) {
		t.Errorf("ConfirmedRun() = %v, want one cycle back", got)
	}
}

func TestConfirmedRun_UnknownLocation(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.svc.ConfirmedRun(context.Background(), "Nowhere"); !errors.Is(err, ErrUnknownLocation) {
		t.Errorf("error = %v, want ErrUnknownLocation", err)
	}
	if _, err := fx.svc.NewForecastAvailable("Nowhere"); !errors.Is(err, ErrUnknownLocation) {
		t.Errorf("NewForecastAvailable error = %v, want ErrUnknownLocation", err)
	}
}

func TestUpgradeBasetimeForLocation_FreshRun(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	ctx := context.Background()

	upgraded, err := fx.svc.UpgradeBasetimeForLocation(ctx, "L")
	if err != nil || !upgraded {
		t.Fatalf("UpgradeBasetimeForLocation() = %v, %v", upgraded, err)
	}
	st := fx.st("L")
	if !st.basetime.Equal(jan1) {
		t.Errorf("basetime = %v, want %v", st.basetime, jan1)
	}
	if st.plotsCached || st.hasBeenBroadcasted {
		t.Errorf("plotsCached=%v hasBeenBroadcasted=%v, want both false", st.plotsCached, st.hasBeenBroadcasted)
	}

	if avail, _ := fx.svc.NewForecastAvailable("L"); avail {
		t.Error("NewForecastAvailable() = true right after upgrade")
	}
	fx.setGlobal(jan1.Add(12 * time.Hour))
	if avail, _ := fx.svc.NewForecastAvailable("L"); !avail {
		t.Error("NewForecastAvailable() = false after global advanced a cycle")
	}
}

func TestUpgradeBasetimeForLocation_PartialRunUntouched(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	fx.charts.set(func(f *fakeCharts) { f.unavailable[triple("L", models.VariantEPS10d, jan1Wire)] = true })
	ctx := context.Background()

	upgraded, _ := fx.svc.UpgradeBasetimeForLocation(ctx, "L")
	if upgraded {
		t.Fatal("UpgradeBasetimeForLocation() = true for a partial run")
	}
	st := fx.st("L")
	if !st.basetime.IsZero() || !st.hasBeenBroadcasted {
		t.Errorf("station changed on partial run: %+v", st)
	}

	fx.charts.set(func(f *fakeCharts) { delete(f.unavailable, triple("L", models.VariantEPS10d, jan1Wire)) })
	if upgraded, _ := fx.svc.UpgradeBasetimeForLocation(ctx, "L"); !upgraded {
		t.Error("UpgradeBasetimeForLocation() = false once the run completed")
	}
}

func TestUpgradeBasetimeForLocations(t *testing.T) {
	fx := newFixture(t, "A", "B", "C")
	fx.setGlobal(jan1)
	fx.charts.set(func(f *fakeCharts) { f.unavailable[triple("B", models.VariantPlume10d, jan1Wire)] = true })

	if got := fx.svc.UpgradeBasetimeForLocations(context.Background()); got != 2 {
		t.Errorf("UpgradeBasetimeForLocations() = %d, want 2", got)
	}
	if !fx.st("B").basetime.IsZero() {
		t.Error("B advanced despite missing variant")
	}
}

func TestDownloadPlots_Idempotent(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	fx.st("L").basetime = jan1
	ctx := context.Background()

	first := fx.svc.DownloadPlots(ctx, []string{"L"})
	if len(first["L"]) != 3 {
		t.Fatalf("first DownloadPlots() = %v", first)
	}
	products1, images1 := fx.charts.counts()
	if images1 != 3 {
		t.Errorf("image calls = %d, want 3", images1)
	}

	second := fx.svc.DownloadPlots(ctx, []string{"L"})
	products2, images2 := fx.charts.counts()
	if products2 != products1 || images2 != images1 {
		t.Errorf("second call did network I/O: products %d->%d images %d->%d", products1, products2, images1, images2)
	}
	for i := range first["L"] {
		if first["L"][i] != second["L"][i] {
			t.Errorf("path %d differs: %q vs %q", i, first["L"][i], second["L"][i])
		}
	}
	for _, p := range first["L"] {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("plot %s missing: %v", p, err)
		}
	}
	if !fx.st("L").hasBeenBroadcasted {
		t.Error("DownloadPlots must not touch the broadcast flag")
	}
}

func TestDownloadPlots_AtomicOnLinkFailure(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	fx.st("L").basetime = jan1
	fx.charts.set(func(f *fakeCharts) { f.unavailable[triple("L", models.VariantEPS10d, jan1Wire)] = true })

	got := fx.svc.DownloadPlots(context.Background(), []string{"L"})
	if len(got) != 0 {
		t.Errorf("DownloadPlots() = %v, want empty", got)
	}
	st := fx.st("L")
	if st.plotsCached {
		t.Error("plotsCached = true after failed fetch")
	}
	for _, p := range st.cachedPaths {
		if _, err := os.Stat(p); err == nil {
			t.Errorf("partial file %s written", p)
		}
	}
}

func TestDownloadPlots_AtomicOnImageFailure(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	fx.st("L").basetime = jan1
	fx.charts.set(func(f *fakeCharts) { f.brokenImages["classical_15d"] = true })

	if got := fx.svc.DownloadPlots(context.Background(), []string{"L"}); len(got) != 0 {
		t.Errorf("DownloadPlots() = %v, want empty", got)
	}
	if fx.st("L").plotsCached {
		t.Error("plotsCached = true after failed image download")
	}
}

func TestDownloadPlots_UnknownAndNoBasetime(t *testing.T) {
	fx := newFixture(t, "A", "B")
	fx.setGlobal(jan1)
	got := fx.svc.DownloadPlots(context.Background(), []string{"Nowhere", "A"})
	if len(got) != 0 {
		t.Errorf("DownloadPlots() = %v, want empty", got)
	}
}

func TestCachePlotsOneStep_AdvancesExactlyOne(t *testing.T) {
	fx := newFixture(t, "A", "B")
	fx.setGlobal(jan1)
	fx.st("A").basetime = jan1
	fx.st("B").basetime = jan1
	ctx := context.Background()

	name, ok := fx.svc.CachePlotsOneStep(ctx)
	if !ok || name != "A" {
		t.Fatalf("CachePlotsOneStep() = %q, %v, want A, true", name, ok)
	}
	if !fx.st("A").plotsCached || fx.st("B").plotsCached {
		t.Errorf("after one step: A cached=%v B cached=%v", fx.st("A").plotsCached, fx.st("B").plotsCached)
	}

	name, ok = fx.svc.CachePlotsOneStep(ctx)
	if !ok || name != "B" {
		t.Errorf("second CachePlotsOneStep() = %q, %v, want B, true", name, ok)
	}
	if name, ok := fx.svc.CachePlotsOneStep(ctx); name != "" || ok {
		t.Errorf("CachePlotsOneStep() with nothing to do = %q, %v", name, ok)
	}
}

func TestCachePlotsOneStep_FailingLocationDoesNotBlockOthers(t *testing.T) {
	fx := newFixture(t, "A", "B")
	fx.setGlobal(jan1)
	fx.st("A").basetime = jan1
	fx.st("B").basetime = jan1
	fx.charts.set(func(f *fakeCharts) { f.brokenImages["/img/A_"] = true })
	ctx := context.Background()

	tried := map[string]int{}
	for i := 0; i < 4; i++ {
		name, _ := fx.svc.CachePlotsOneStep(ctx)
		tried[name]++
		if fx.st("B").plotsCached {
			break
		}
	}
	if !fx.st("B").plotsCached {
		t.Fatalf("B never cached, tried = %v", tried)
	}
	if tried["A"] != 1 || tried["B"] != 1 {
		t.Errorf("tried = %v, want A once then B", tried)
	}
	if fx.st("A").plotsCached {
		t.Error("A cached despite broken images")
	}

	// Only A is left; it keeps being retried.
	if name, ok := fx.svc.CachePlotsOneStep(ctx); name != "A" || ok {
		t.Errorf("CachePlotsOneStep() = %q, %v, want A, false", name, ok)
	}
}

func TestCachePlotsOneStep_SkipsLocationsWithoutRun(t *testing.T) {
	fx := newFixture(t, "A", "B")
	fx.setGlobal(jan1)
	fx.st("B").basetime = jan1

	name, ok := fx.svc.CachePlotsOneStep(context.Background())
	if name != "B" || !ok {
		t.Errorf("CachePlotsOneStep() = %q, %v, want B, true", name, ok)
	}
}

func TestDownloadLatestPlots_Gate(t *testing.T) {
	fx := newFixture(t, "A", "B")
	fx.setGlobal(jan1)
	fx.st("A").basetime = jan1
	fx.st("A").hasBeenBroadcasted = true
	fx.st("B").basetime = jan1
	fx.st("B").hasBeenBroadcasted = false

	got := fx.svc.DownloadLatestPlots(context.Background(), []string{"A", "B"})
	if _, ok := got["A"]; ok {
		t.Error("A present in result despite being broadcast")
	}
	if len(got["B"]) != 3 {
		t.Errorf("B plots = %v, want 3 paths", got["B"])
	}
	if !fx.st("B").hasBeenBroadcasted {
		t.Error("B flag not set after release")
	}
	if !fx.st("A").hasBeenBroadcasted || fx.st("A").plotsCached {
		t.Errorf("A changed: %+v", fx.st("A"))
	}

	again := fx.svc.DownloadLatestPlots(context.Background(), []string{"A", "B"})
	if len(again) != 0 {
		t.Errorf("second DownloadLatestPlots() = %v, want empty", again)
	}
}

func TestUpgradeBasetime_StaleGlobalDoesNotRegress(t *testing.T) {
	fx := newFixture(t, "L")
	ctx := context.Background()
	noon := jan1.Add(12 * time.Hour)
	fx.charts.set(func(f *fakeCharts) { f.schemaBasetime = models.FormatBasetime(noon) })

	fx.svc.UpgradeGlobalBasetime(ctx)
	if got := fx.svc.UpgradeBasetimeForLocations(ctx); got != 1 {
		t.Fatalf("UpgradeBasetimeForLocations() = %d, want 1", got)
	}
	if got := fx.svc.DownloadLatestPlots(ctx, []string{"L"}); len(got["L"]) != 3 {
		t.Fatalf("DownloadLatestPlots() = %v, want L released", got)
	}

	// Schema falls back to the previous run.
	fx.charts.set(func(f *fakeCharts) { f.schemaBasetime = jan1Wire })
	fx.svc.UpgradeGlobalBasetime(ctx)
	if !fx.svc.GlobalBasetime().Equal(jan1) {
		t.Fatalf("global = %v, want %v", fx.svc.GlobalBasetime(), jan1)
	}
	if got := fx.svc.UpgradeBasetimeForLocations(ctx); got != 0 {
		t.Errorf("UpgradeBasetimeForLocations() = %d after stale schema, want 0", got)
	}
	st := fx.st("L")
	if !st.basetime.Equal(noon) {
		t.Errorf("basetime = %v, want %v kept", st.basetime, noon)
	}
	if !st.plotsCached || !st.hasBeenBroadcasted {
		t.Errorf("plotsCached=%v hasBeenBroadcasted=%v, want both true", st.plotsCached, st.hasBeenBroadcasted)
	}
	if got := fx.svc.DownloadLatestPlots(ctx, []string{"L"}); len(got) != 0 {
		t.Errorf("DownloadLatestPlots() = %v, want nothing re-released", got)
	}

	// The next real run still advances the location.
	next := noon.Add(12 * time.Hour)
	fx.charts.set(func(f *fakeCharts) { f.schemaBasetime = models.FormatBasetime(next) })
	fx.svc.UpgradeGlobalBasetime(ctx)
	if got := fx.svc.UpgradeBasetimeForLocations(ctx); got != 1 {
		t.Errorf("UpgradeBasetimeForLocations() = %d for next run, want 1", got)
	}
}

func TestDownloadLatestPlots_FailedFetchKeepsFlag(t *testing.T) {
	fx := newFixture(t, "B")
	fx.setGlobal(jan1)
	fx.st("B").basetime = jan1
	fx.st("B").hasBeenBroadcasted = false
	fx.charts.set(func(f *fakeCharts) { f.unavailable[triple("B", models.VariantPlume10d, jan1Wire)] = true })

	if got := fx.svc.DownloadLatestPlots(context.Background(), []string{"B"}); len(got) != 0 {
		t.Errorf("DownloadLatestPlots() = %v, want empty", got)
	}
	if fx.st("B").hasBeenBroadcasted {
		t.Error("flag set despite failed fetch")
	}
}

func TestOverrideBasetimeFromInit(t *testing.T) {
	fx := newFixture(t, "A", "B")
	fx.setGlobal(jan1)
	fx.st("B").basetime = jan1.Add(-12 * time.Hour)
	fx.st("B").plotsCached = true
	fx.charts.set(func(f *fakeCharts) { f.unavailable[triple("A", models.VariantEPS15d, jan1Wire)] = true })

	fx.svc.OverrideBasetimeFromInit(context.Background())

	a, b := fx.st("A"), fx.st("B")
	if !a.basetime.Equal(jan1.Add(-12 * time.Hour)) {
		t.Errorf("A basetime = %v, want one cycle back", a.basetime)
	}
	if !b.basetime.Equal(jan1) || b.plotsCached {
		t.Errorf("B = basetime %v cached %v, want %v uncached", b.basetime, b.plotsCached, jan1)
	}
	if !a.hasBeenBroadcasted || !b.hasBeenBroadcasted {
		t.Error("override must keep hasBeenBroadcasted")
	}
}

func TestOverrideBasetimeFromInit_NeverRegresses(t *testing.T) {
	fx := newFixture(t, "A")
	fx.setGlobal(jan1)
	fx.st("A").basetime = jan1
	fx.st("A").plotsCached = true
	fx.charts.set(func(f *fakeCharts) { f.unavailable[triple("A", models.VariantEPS15d, jan1Wire)] = true })

	fx.svc.OverrideBasetimeFromInit(context.Background())
	if !fx.st("A").basetime.Equal(jan1) || !fx.st("A").plotsCached {
		t.Errorf("A regressed: %+v", fx.st("A"))
	}
}

func TestInit_RestoresState(t *testing.T) {
	fx := newFixture(t, "A", "B", "C")
	states := &memStates{}
	fx.svc.SetStateStore(states)
	ctx := context.Background()

	// A and C have complete plot sets on disk from the previous process.
	for _, name := range []string{"A", "C"} {
		var items []plotstore.Item
		for _, v := range models.DefaultVariants {
			items = append(items, plotstore.Item{Path: fx.store.Path(name, v), Variant: v, Data: []byte("old")})
		}
		if err := fx.store.SaveSet(ctx, name, jan1, items); err != nil {
			t.Fatalf("SaveSet(%s) error = %v", name, err)
		}
	}
	_ = states.Save(state.Snapshot{Name: "A", Basetime: jan1, PlotsCached: true, HasBeenBroadcasted: true,
		Paths: append([]string(nil), fx.st("A").cachedPaths...)})
	_ = states.Save(state.Snapshot{Name: "B", Basetime: jan1, PlotsCached: true, HasBeenBroadcasted: false})
	// C was saved under a different variant list.
	_ = states.Save(state.Snapshot{Name: "C", Basetime: jan1, PlotsCached: true, HasBeenBroadcasted: true,
		Paths: []string{fx.store.Path("C", models.VariantPlume10d)}})

	if err := fx.svc.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !fx.svc.GlobalBasetime().Equal(jan1) {
		t.Errorf("global = %v, want %v", fx.svc.GlobalBasetime(), jan1)
	}
	a, b := fx.st("A"), fx.st("B")
	if !a.plotsCached || !a.hasBeenBroadcasted {
		t.Errorf("A = %+v, want cached and broadcast", a)
	}
	if b.plotsCached {
		t.Error("B cached without files on disk")
	}
	if b.hasBeenBroadcasted {
		t.Error("B broadcast flag not restored")
	}
	if fx.st("C").plotsCached {
		t.Error("C cached although its saved paths differ from the current layout")
	}

	if snap, ok, _ := states.Load("A"); !ok || !snap.Basetime.Equal(jan1) {
		t.Errorf("snapshot A = %+v", snap)
	}
}

func TestInit_FallbackWhenSchemaDown(t *testing.T) {
	fx := newFixture(t, "A")
	fx.charts.set(func(f *fakeCharts) { f.schemaStatus = http.StatusBadGateway })

	if err := fx.svc.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !fx.svc.GlobalBasetime().Equal(jan1) {
		t.Errorf("global = %v, want clock estimate %v", fx.svc.GlobalBasetime(), jan1)
	}
	st := fx.st("A")
	if !st.basetime.Equal(jan1) || !st.hasBeenBroadcasted {
		t.Errorf("A = %+v, want confirmed run and broadcast flag kept", st)
	}
}

func TestLinkCache_SkipsRepeatProbes(t *testing.T) {
	fx := newFixture(t, "L")
	fx.setGlobal(jan1)
	fx.svc.SetLinkCache(cache.NewInMemoryCache(), "in_memory")
	ctx := context.Background()

	if _, err := fx.svc.ConfirmedRun(ctx, "L"); err != nil {
		t.Fatalf("ConfirmedRun() error = %v", err)
	}
	products, _ := fx.charts.counts()
	if products != 3 {
		t.Fatalf("product calls = %d, want 3", products)
	}

	fx.st("L").basetime = jan1
	if got := fx.svc.DownloadPlots(ctx, []string{"L"}); len(got["L"]) != 3 {
		t.Fatalf("DownloadPlots() = %v", got)
	}
	if products2, _ := fx.charts.counts(); products2 != products {
		t.Errorf("product calls = %d, want %d (links served from cache)", products2, products)
	}
}

func TestStatus(t *testing.T) {
	fx := newFixture(t, "A", "B")
	fx.setGlobal(jan1)
	fx.st("A").basetime = jan1

	status := fx.svc.Status()
	if len(status) != 2 || status[0].Name != "A" || status[0].Basetime != jan1Wire || status[1].Basetime != "" {
		t.Errorf("Status() = %+v", status)
	}
	one, err := fx.svc.StationStatus("B")
	if err != nil || one.Name != "B" || !one.HasBeenBroadcasted {
		t.Errorf("StationStatus(B) = %+v, %v", one, err)
	}
}

func TestOperations_RespectCanceledContext(t *testing.T) {
	fx := newFixture(t, "A")
	fx.setGlobal(jan1)
	fx.st("A").basetime = jan1

	// Hold the operation slot so every call has to wait.
	fx.svc.ops <- struct{}{}
	defer func() { <-fx.svc.ops }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := fx.svc.DownloadPlots(ctx, []string{"A"}); len(got) != 0 {
		t.Errorf("DownloadPlots() = %v, want empty on timeout", got)
	}
	if _, err := fx.svc.ConfirmedRun(ctx, "A"); err == nil {
		t.Error("ConfirmedRun() expected context error")
	}
}

func TestProductPath(t *testing.T) {
	fx := newFixture(t, "A")
	loc := models.Location{Name: "Bad Ragaz", APIName: "Bad Ragaz SG", Latitude: 47.0, Longitude: 9.5}
	got := fx.svc.productPath(loc, models.VariantEPS10d, jan1)
	want := "products/opencharts_meteogram/?epsgram=classical_10d&base_time=2025-01-01T00%3A00%3A00Z&station_name=Bad+Ragaz+SG&lat=47&lon=9.5"
	if got != want {
		t.Errorf("productPath() = %q, want %q", got, want)
	}
}
