package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/recalc"
	"github.com/abelbrown/discrimhist/internal/store"
	"github.com/abelbrown/discrimhist/internal/work"
)

type fakeController struct {
	mu        sync.Mutex
	state     recalc.State
	result    discrim.Result
	hasResult bool
	lastErr   *discrim.StageError
	clusters  []discrim.ClusterID
	triggers  []recalc.Trigger
	stopped   bool
}

func (f *fakeController) State() recalc.State { return f.state }
func (f *fakeController) Generation() uint64  { return 3 }
func (f *fakeController) Result() (discrim.Result, bool) {
	return f.result, f.hasResult
}
func (f *fakeController) LastError() *discrim.StageError { return f.lastErr }
func (f *fakeController) CurrentRequest() discrim.Request {
	return discrim.Request{ID: "current"}
}
func (f *fakeController) Triggers() map[recalc.Trigger]recalc.Policy { return recalc.DefaultTriggers() }

func (f *fakeController) Trigger(t recalc.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return recalc.ErrStopped
	}
	f.triggers = append(f.triggers, t)
	return nil
}

func (f *fakeController) SetClusterNumbers(ids []discrim.ClusterID) {
	f.mu.Lock()
	f.clusters = ids
	f.mu.Unlock()
}

func (f *fakeController) ClusterNumbers() []discrim.ClusterID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clusters
}

func withResult() *fakeController {
	return &fakeController{
		state:     recalc.StateDone,
		hasResult: true,
		clusters:  []discrim.ClusterID{1, 2},
		result: discrim.Result{
			RequestID: "res-1",
			Clusters:  []discrim.ClusterID{1, 2},
			Histograms: []discrim.Histogram{
				{K1: 1, K2: 1, Same: []float64{1, 2}},
				{K1: 2, K2: 1, Same: []float64{-3}, Other: []float64{0.5}, SameDerived: true},
				{K1: 1, K2: 2, Same: []float64{-0.5}, Other: []float64{3}},
				{K1: 2, K2: 2},
			},
			Discarded:  2,
			ComputedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func do(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStatus(t *testing.T) {
	srv := NewServer(withResult(), Options{})

	rec := do(t, srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[statusResponse](t, rec)
	if got.State != recalc.StateDone || got.Generation != 3 || got.ResultID != "res-1" {
		t.Errorf("status = %+v", got)
	}
	if got.Histograms != 4 || got.Discarded != 2 || got.RequestID != "current" {
		t.Errorf("status = %+v", got)
	}
	if got.Error != nil || got.Work != nil {
		t.Errorf("unexpected error/work: %+v", got)
	}
}

func TestStatusReportsFailure(t *testing.T) {
	ctrl := &fakeController{state: recalc.StateFailed,
		lastErr: discrim.NewStageError(discrim.KindFilterService, "filter", errors.New("503"))}
	srv := NewServer(ctrl, Options{})

	got := decode[statusResponse](t, do(t, srv, http.MethodGet, "/api/status", ""))
	if got.HasResult {
		t.Error("has_result should be false")
	}
	if got.Error == nil || got.Error.Kind != discrim.KindFilterService || got.Error.Stage != "filter" {
		t.Errorf("error = %+v", got.Error)
	}
}

func TestHistograms(t *testing.T) {
	srv := NewServer(withResult(), Options{})

	rec := do(t, srv, http.MethodGet, "/api/histograms", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decode[discrim.Result](t, rec)
	if len(res.Histograms) != 4 || res.RequestID != "res-1" {
		t.Errorf("result = %+v", res)
	}

	sum := decode[summaryResponse](t, do(t, srv, http.MethodGet, "/api/histograms?summary=1", ""))
	if len(sum.Pairs) != 4 {
		t.Fatalf("pairs = %d", len(sum.Pairs))
	}
	if sum.Pairs[0].Same.Count != 2 || sum.Pairs[0].Same.Mean != 1.5 {
		t.Errorf("1/1 summary = %+v", sum.Pairs[0])
	}
	if !sum.Pairs[1].SameDerived {
		t.Error("2/1 same should be derived")
	}
}

func TestHistogramsNoResult(t *testing.T) {
	srv := NewServer(&fakeController{state: recalc.StateIdle}, Options{})
	for _, path := range []string{"/api/histograms", "/api/histograms/1/2", "/api/histograms.xlsx"} {
		if rec := do(t, srv, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestHistogramPair(t *testing.T) {
	srv := NewServer(withResult(), Options{})

	tests := []struct {
		path string
		want int
	}{
		{"/api/histograms/2/1", http.StatusOK},
		{"/api/histograms/3/1", http.StatusNotFound},
		{"/api/histograms/x/1", http.StatusBadRequest},
		{"/api/histograms/0/1", http.StatusBadRequest},
		{"/api/histograms/1/2?bins=0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, srv, http.MethodGet, tt.path, ""); rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	got := decode[histogramResponse](t, do(t, srv, http.MethodGet, "/api/histograms/2/1?bins=6", ""))
	if got.K1 != 2 || got.K2 != 1 || !got.SameDerived {
		t.Errorf("histogram = %+v", got.Histogram)
	}
	if got.Bins == nil || len(got.Bins.Same) != 6 || len(got.Bins.Dividers) != 7 {
		t.Fatalf("bins = %+v", got.Bins)
	}
	total := 0.0
	for _, c := range got.Bins.Same {
		total += c
	}
	if total != 1 {
		t.Errorf("binned same total = %v, want 1", total)
	}
}

func TestRecalculate(t *testing.T) {
	ctrl := withResult()
	srv := NewServer(ctrl, Options{})

	rec := do(t, srv, http.MethodPost, "/api/recalculate?trigger=timeseries", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[recalculateResponse](t, rec)
	if got.Trigger != recalc.TriggerTimeseries || got.Policy != "hard" {
		t.Errorf("response = %+v", got)
	}

	if rec := do(t, srv, http.MethodPost, "/api/recalculate", ""); rec.Code != http.StatusAccepted {
		t.Errorf("default trigger status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/recalculate?trigger=nope", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown trigger status = %d", rec.Code)
	}

	want := []recalc.Trigger{recalc.TriggerTimeseries, recalc.TriggerClusters}
	if len(ctrl.triggers) != 2 || ctrl.triggers[0] != want[0] || ctrl.triggers[1] != want[1] {
		t.Errorf("triggers = %v, want %v", ctrl.triggers, want)
	}

	ctrl.stopped = true
	if rec := do(t, srv, http.MethodPost, "/api/recalculate?trigger=firings", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped status = %d", rec.Code)
	}
}

func TestPutClusters(t *testing.T) {
	ctrl := withResult()
	srv := NewServer(ctrl, Options{})

	rec := do(t, srv, http.MethodPut, "/api/clusters", `{"clusters":[3,1,2]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := ctrl.ClusterNumbers(); len(got) != 3 || got[0] != 3 {
		t.Errorf("clusters = %v, order should be kept", got)
	}
	if len(ctrl.triggers) != 1 || ctrl.triggers[0] != recalc.TriggerClusters {
		t.Errorf("triggers = %v", ctrl.triggers)
	}

	for _, body := range []string{`{"clusters":[1,-2]}`, `{"clusters":"1,2"}`, `{"ids":[1]}`, `{`} {
		if rec := do(t, srv, http.MethodPut, "/api/clusters", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}

	got := decode[clustersBody](t, do(t, srv, http.MethodGet, "/api/clusters", ""))
	if len(got.Clusters) != 3 {
		t.Errorf("GET clusters = %v", got.Clusters)
	}
}

func TestTriggersTable(t *testing.T) {
	srv := NewServer(withResult(), Options{})
	got := decode[[]triggerBody](t, do(t, srv, http.MethodGet, "/api/triggers", ""))
	if len(got) != 5 {
		t.Fatalf("triggers = %v", got)
	}
	if got[0].Trigger != recalc.TriggerTimeseries || got[0].Policy != "hard" {
		t.Errorf("first = %+v", got[0])
	}
	if got[4].Policy != "soft" {
		t.Errorf("clusters policy = %q", got[4].Policy)
	}
}

func TestExport(t *testing.T) {
	srv := NewServer(withResult(), Options{Bins: 8})
	rec := do(t, srv, http.MethodGet, "/api/histograms.xlsx", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "res-1") {
		t.Errorf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Bins")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 9 {
		t.Errorf("bins rows = %d, want 9", len(rows))
	}
}

func TestExportRunsOnPool(t *testing.T) {
	pool := work.NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	srv := NewServer(withResult(), Options{Bins: 8, Pool: pool})
	rec := do(t, srv, http.MethodGet, "/api/histograms.xlsx", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("open workbook: %v", err)
	}

	snap := pool.Snapshot()
	if len(snap.Completed) != 1 || snap.Completed[0].Type != work.TypeExport || snap.Completed[0].Status != work.StatusComplete {
		t.Errorf("pool history = %+v", snap.Completed)
	}
}

// Disjoint constant sides have infinite separation, which JSON cannot carry.
func TestSummaryInfiniteSeparation(t *testing.T) {
	ctrl := withResult()
	ctrl.result.Histograms[2] = discrim.Histogram{K1: 1, K2: 2, Same: []float64{1, 1}, Other: []float64{-1, -1}}
	srv := NewServer(ctrl, Options{})

	rec := do(t, srv, http.MethodGet, "/api/histograms?summary=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	sum := decode[summaryResponse](t, rec)
	if sum.Pairs[2].Separation != nil {
		t.Errorf("1/2 separation = %v, want null", *sum.Pairs[2].Separation)
	}
	if sum.Pairs[0].Separation == nil || *sum.Pairs[0].Separation != 0 {
		t.Errorf("1/1 separation = %v, want 0", sum.Pairs[0].Separation)
	}

	got := decode[histogramResponse](t, do(t, srv, http.MethodGet, "/api/histograms/1/2", ""))
	if got.Summary.Separation != nil {
		t.Errorf("pair separation = %v, want null", *got.Summary.Separation)
	}
}

func TestHistory(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctrl := withResult()
	req := discrim.Request{ID: "0190aaaa-hist", Clusters: ctrl.result.Clusters, CreatedAt: time.Now()}
	res := ctrl.result
	res.RequestID = req.ID
	if err := st.SaveResult(context.Background(), req, res); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(ctrl, Options{History: st})

	list := decode[[]store.Computation](t, do(t, srv, http.MethodGet, "/api/history", ""))
	if len(list) != 1 || list[0].ID != req.ID {
		t.Fatalf("history = %+v", list)
	}

	got := decode[discrim.Result](t, do(t, srv, http.MethodGet, "/api/history/0190aaaa", ""))
	if got.RequestID != req.ID || len(got.Histograms) != 4 {
		t.Errorf("history result = %+v", got)
	}
	if rec := do(t, srv, http.MethodGet, "/api/history/ffff", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing id status = %d", rec.Code)
	}

	noHist := NewServer(ctrl, Options{})
	if rec := do(t, noHist, http.MethodGet, "/api/history", ""); rec.Code != http.StatusNotFound {
		t.Errorf("disabled history status = %d", rec.Code)
	}
}

func TestRequestEvents(t *testing.T) {
	ring := otel.NewRingBuffer(16)
	events := otel.NewNullLogger()
	events.SetRingBuffer(ring)

	srv := NewServer(withResult(), Options{Events: events})
	do(t, srv, http.MethodGet, "/api/status", "")
	events.Close()

	ev, ok := ring.LastOf(otel.KindAPIRequest)
	if !ok {
		t.Fatal("no api.request event")
	}
	if ev.Msg != "GET /api/status" || ev.Count != http.StatusOK || ev.Comp != "api" {
		t.Errorf("event = %+v", ev)
	}
}

func TestListenAndServeStops(t *testing.T) {
	srv := NewServer(withResult(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestInputs(t *testing.T) {
	ctrl := withResult()
	src := recalc.NewSource(recalc.Inputs{Timeseries: "raw.mda", Firings: "firings.mda"})
	srv := NewServer(ctrl, Options{Inputs: src})

	got := decode[inputsResponse](t, do(t, srv, http.MethodGet, "/api/inputs", ""))
	if got.Inputs.Timeseries != "raw.mda" {
		t.Errorf("GET inputs = %+v", got.Inputs)
	}

	// Same values: nothing to recompute.
	rec := do(t, srv, http.MethodPut, "/api/inputs", `{"timeseries":"raw.mda"}`)
	if rec.Code != http.StatusOK || len(ctrl.triggers) != 0 {
		t.Fatalf("unchanged patch: status %d, triggers %v", rec.Code, ctrl.triggers)
	}

	rec = do(t, srv, http.MethodPut, "/api/inputs",
		`{"firings":"curated.mda","filter":{"enabled":true,"min_detectability":4,"max_outlier_score":3}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.triggers) != 1 || ctrl.triggers[0] != recalc.TriggerFirings {
		t.Errorf("firings and filter should send one firings trigger, got %v", ctrl.triggers)
	}
	snap := src.Snapshot()
	if snap.Firings != "curated.mda" || !snap.Filter.Enabled || snap.Filter.MinDetectability != 4 {
		t.Errorf("source = %+v", snap)
	}

	rec = do(t, srv, http.MethodPut, "/api/inputs", `{"timeseries":"filt.mda"}`)
	if rec.Code != http.StatusAccepted || ctrl.triggers[len(ctrl.triggers)-1] != recalc.TriggerTimeseries {
		t.Errorf("timeseries patch: status %d, triggers %v", rec.Code, ctrl.triggers)
	}

	for _, body := range []string{`{"firings":""}`, `{"dataset":"x"}`, `[`} {
		if rec := do(t, srv, http.MethodPut, "/api/inputs", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestInputsNotConfigured(t *testing.T) {
	srv := NewServer(withResult(), Options{})
	if rec := do(t, srv, http.MethodGet, "/api/inputs", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
