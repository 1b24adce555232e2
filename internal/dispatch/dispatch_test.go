package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/otel"
)

// fakeService records calls and returns canned results.
type fakeService struct {
	mu    sync.Mutex
	calls []string

	locateErr map[string]error
	filterErr error
	runErr    error
	runOut    string
	fetchErr  error

	gotFilter    discrim.EventFilter
	gotProcessor string
	gotParams    map[string]string
	gotFetchDir  string
}

func newFakeService() *fakeService {
	return &fakeService{runOut: "remote://out.mda", locateErr: map[string]error{}}
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeService) Locate(ctx context.Context, handle string) (string, error) {
	f.record("locate")
	if err := f.locateErr[handle]; err != nil {
		return "", err
	}
	return "staged:" + handle, nil
}

func (f *fakeService) Filter(ctx context.Context, firings string, ef discrim.EventFilter) (string, error) {
	f.record("filter")
	f.gotFilter = ef
	if f.filterErr != nil {
		return "", f.filterErr
	}
	if !ef.Enabled {
		return firings, nil
	}
	return firings + "+filtered", nil
}

func (f *fakeService) Run(ctx context.Context, processor string, params map[string]string) (string, error) {
	f.record("run")
	f.gotProcessor = processor
	f.gotParams = params
	return f.runOut, f.runErr
}

func (f *fakeService) Fetch(ctx context.Context, location, dir string) (string, error) {
	f.record("fetch")
	f.gotFetchDir = dir
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return dir + "/local.mda", nil
}

func testRequest(clusters ...discrim.ClusterID) discrim.Request {
	return discrim.NewRequest("fake", "", "ts.mda", "firings.mda",
		discrim.EventFilter{Enabled: true, MinDetectability: 1, MaxOutlierScore: 5}, clusters)
}

func TestDispatchSuccess(t *testing.T) {
	svc := newFakeService()
	d := New(svc, "/stage", nil)

	path, err := d.Dispatch(context.Background(), testRequest(3, 1, 2))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if path != "/stage/local.mda" {
		t.Errorf("path = %q", path)
	}
	if svc.gotProcessor != DefaultProcessor {
		t.Errorf("processor = %q, want %q", svc.gotProcessor, DefaultProcessor)
	}

	want := map[string]string{
		"timeseries": "staged:ts.mda",
		"firings":    "staged:firings.mda+filtered",
		"clusters":   "3,1,2",
	}
	if !reflect.DeepEqual(svc.gotParams, want) {
		t.Errorf("params = %v, want %v", svc.gotParams, want)
	}
	if !svc.gotFilter.Enabled || svc.gotFilter.MaxOutlierScore != 5 {
		t.Errorf("filter not passed through: %+v", svc.gotFilter)
	}

	// locate x2 (any order), then strictly filter, run, fetch
	if len(svc.calls) != 5 {
		t.Fatalf("calls = %v", svc.calls)
	}
	if got := svc.calls[2:]; !reflect.DeepEqual(got, []string{"filter", "run", "fetch"}) {
		t.Errorf("stage order = %v", got)
	}
}

func TestDispatchCustomProcessor(t *testing.T) {
	svc := newFakeService()
	req := testRequest(1)
	req.Processor = "ms4alg.discrimhist"

	if _, err := New(svc, t.TempDir(), nil).Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if svc.gotProcessor != "ms4alg.discrimhist" {
		t.Errorf("processor = %q", svc.gotProcessor)
	}
}

func TestDispatchEmptyClustersFailsFast(t *testing.T) {
	svc := newFakeService()
	d := New(svc, "/stage", nil)

	_, err := d.Dispatch(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, discrim.ErrNoClusters) {
		t.Errorf("error = %v, want ErrNoClusters", err)
	}
	if discrim.KindOf(err) != discrim.KindValidation {
		t.Errorf("kind = %s", discrim.KindOf(err))
	}
	if len(svc.calls) != 0 {
		t.Errorf("service called before validation: %v", svc.calls)
	}
}

func TestDispatchStageErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		setup     func(*fakeService)
		kind      discrim.ErrorKind
		stage     string
		sentinel  error
		notCalled string
	}{
		{
			name:      "locate",
			setup:     func(f *fakeService) { f.locateErr["firings.mda"] = boom },
			kind:      discrim.KindWorkerInvocation,
			stage:     "locate",
			sentinel:  discrim.ErrWorkerInvocation,
			notCalled: "filter",
		},
		{
			name:      "filter",
			setup:     func(f *fakeService) { f.filterErr = boom },
			kind:      discrim.KindFilterService,
			stage:     "filter",
			sentinel:  discrim.ErrFilterService,
			notCalled: "run",
		},
		{
			name:      "run",
			setup:     func(f *fakeService) { f.runErr = boom },
			kind:      discrim.KindWorkerInvocation,
			stage:     "run",
			sentinel:  discrim.ErrWorkerInvocation,
			notCalled: "fetch",
		},
		{
			name:      "empty output",
			setup:     func(f *fakeService) { f.runOut = "" },
			kind:      discrim.KindWorkerInvocation,
			stage:     "run",
			sentinel:  discrim.ErrWorkerInvocation,
			notCalled: "fetch",
		},
		{
			name:     "fetch",
			setup:    func(f *fakeService) { f.fetchErr = boom },
			kind:     discrim.KindWorkerInvocation,
			stage:    "fetch",
			sentinel: discrim.ErrWorkerInvocation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			tt.setup(svc)

			_, err := New(svc, "/stage", nil).Dispatch(context.Background(), testRequest(1, 2))
			var se *discrim.StageError
			if !errors.As(err, &se) {
				t.Fatalf("error %v is not a StageError", err)
			}
			if se.Kind != tt.kind || se.Stage != tt.stage {
				t.Errorf("got %s/%s, want %s/%s", se.Kind, se.Stage, tt.kind, tt.stage)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}
			if tt.notCalled != "" {
				for _, c := range svc.calls {
					if c == tt.notCalled {
						t.Errorf("%s called after failure: %v", tt.notCalled, svc.calls)
					}
				}
			}
		})
	}
}

func TestDispatchPassesStageDir(t *testing.T) {
	svc := newFakeService()
	dir := t.TempDir()
	if _, err := New(svc, dir, nil).Dispatch(context.Background(), testRequest(1)); err != nil {
		t.Fatal(err)
	}
	if svc.gotFetchDir != dir {
		t.Errorf("fetch dir = %q, want %q", svc.gotFetchDir, dir)
	}
}

func TestDispatchEmitsEvents(t *testing.T) {
	rb := otel.NewRingBuffer(32)
	events := otel.NewNullLogger()
	events.SetRingBuffer(rb)

	svc := newFakeService()
	req := testRequest(1, 2)
	if _, err := New(svc, "/stage", events).Dispatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	svc.runErr = errors.New("exit 1")
	failed := testRequest(1, 2)
	New(svc, "/stage", events).Dispatch(context.Background(), failed)
	events.Close()

	kinds := map[otel.EventKind]bool{}
	for _, e := range rb.ForRequest(req.ID) {
		kinds[e.Kind] = true
		if e.Comp != "dispatch" {
			t.Errorf("event %s has comp %q", e.Kind, e.Comp)
		}
	}
	for _, k := range []otel.EventKind{otel.KindDispatchStart, otel.KindFilterComplete,
		otel.KindWorkerComplete, otel.KindArtifactFetch, otel.KindDispatchComplete} {
		if !kinds[k] {
			t.Errorf("missing %s", k)
		}
	}

	fe := rb.ForRequest(failed.ID)
	last := fe[len(fe)-1]
	if last.Kind != otel.KindDispatchError || last.Stage != "run" {
		t.Errorf("last event for failed request = %+v", last)
	}
}

func TestParams(t *testing.T) {
	got := Params("ts", "f", []discrim.ClusterID{2, 2, 7})
	want := map[string]string{"timeseries": "ts", "firings": "f", "clusters": "2,2,7"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Params() = %v, want %v", got, want)
	}
}
