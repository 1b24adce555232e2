package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/export"
	"github.com/abelbrown/discrimhist/internal/recalc"
	"github.com/abelbrown/discrimhist/internal/store"
	"github.com/abelbrown/discrimhist/internal/work"
)

type statusResponse struct {
	State      recalc.State        `json:"state"`
	Generation uint64              `json:"generation"`
	RequestID  string              `json:"request_id,omitempty"`
	Clusters   []discrim.ClusterID `json:"clusters"`
	HasResult  bool                `json:"has_result"`
	ResultID   string              `json:"result_id,omitempty"`
	Histograms int                 `json:"histograms"`
	Discarded  int                 `json:"discarded"`
	ComputedAt *time.Time          `json:"computed_at,omitempty"`
	Error      *stageErrorBody     `json:"error,omitempty"`
	Work       *work.Stats         `json:"work,omitempty"`
}

type stageErrorBody struct {
	Kind    discrim.ErrorKind `json:"kind"`
	Stage   string            `json:"stage"`
	Message string            `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:      s.ctrl.State(),
		Generation: s.ctrl.Generation(),
		RequestID:  s.ctrl.CurrentRequest().ID,
		Clusters:   s.ctrl.ClusterNumbers(),
	}
	if res, ok := s.ctrl.Result(); ok {
		resp.HasResult = true
		resp.ResultID = res.RequestID
		resp.Histograms = len(res.Histograms)
		resp.Discarded = res.Discarded
		resp.ComputedAt = &res.ComputedAt
	}
	if se := s.ctrl.LastError(); se != nil {
		resp.Error = &stageErrorBody{Kind: se.Kind, Stage: se.Stage, Message: se.Error()}
	}
	if s.opts.Pool != nil {
		stats := s.opts.Pool.Stats()
		resp.Work = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

type pairSummary struct {
	K1           discrim.ClusterID   `json:"k1"`
	K2           discrim.ClusterID   `json:"k2"`
	Same         discrim.SideSummary `json:"same"`
	Other        discrim.SideSummary `json:"other"`
	Separation   *float64            `json:"separation"` // null when the sides are distinct constants
	SameDerived  bool                `json:"same_derived,omitempty"`
	OtherDerived bool                `json:"other_derived,omitempty"`
}

func newPairSummary(h discrim.Histogram, sum discrim.Summary) pairSummary {
	ps := pairSummary{K1: h.K1, K2: h.K2, Same: sum.Same, Other: sum.Other,
		SameDerived: h.SameDerived, OtherDerived: h.OtherDerived}
	if !math.IsInf(sum.Separation, 0) && !math.IsNaN(sum.Separation) {
		sep := sum.Separation
		ps.Separation = &sep
	}
	return ps
}

type summaryResponse struct {
	RequestID  string              `json:"request_id"`
	Clusters   []discrim.ClusterID `json:"clusters"`
	Discarded  int                 `json:"discarded"`
	ComputedAt time.Time           `json:"computed_at"`
	Pairs      []pairSummary       `json:"pairs"`
}

func summarize(res discrim.Result) summaryResponse {
	out := summaryResponse{
		RequestID:  res.RequestID,
		Clusters:   res.Clusters,
		Discarded:  res.Discarded,
		ComputedAt: res.ComputedAt,
		Pairs:      make([]pairSummary, len(res.Histograms)),
	}
	for i, sum := range discrim.SummarizeAll(res) {
		out.Pairs[i] = newPairSummary(res.Histograms[i], sum)
	}
	return out
}

// handleHistograms returns the whole current result, or only per-pair
// summaries with ?summary=1.
func (s *Server) handleHistograms(w http.ResponseWriter, r *http.Request) {
	res, ok := s.ctrl.Result()
	if !ok {
		writeError(w, http.StatusNotFound, "no result yet")
		return
	}
	if summaryOnly(r) {
		writeJSON(w, http.StatusOK, summarize(res))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func summaryOnly(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("summary"))
	return v
}

type histogramResponse struct {
	discrim.Histogram
	Summary pairSummary `json:"summary"`
	Bins    *binsBody   `json:"bins,omitempty"`
}

type binsBody struct {
	Dividers []float64 `json:"dividers"`
	Same     []float64 `json:"same"`
	Other    []float64 `json:"other"`
}

// handleHistogram returns one pair. ?bins=N adds counts on the layout
// shared by all pairs of the result.
func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	k1, err := clusterParam(r, "k1")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	k2, err := clusterParam(r, "k2")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, ok := s.ctrl.Result()
	if !ok {
		writeError(w, http.StatusNotFound, "no result yet")
		return
	}
	h, ok := res.Lookup(k1, k2)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no histogram for %d/%d", k1, k2))
		return
	}

	resp := histogramResponse{
		Histogram: h,
		Summary:   newPairSummary(h, discrim.Summarize(h)),
	}

	if v := r.URL.Query().Get("bins"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bins must be a positive integer")
			return
		}
		layout := discrim.NewLayout(res.Histograms, n)
		resp.Bins = &binsBody{Dividers: layout.Dividers(), Same: layout.Bin(h.Same), Other: layout.Bin(h.Other)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func clusterParam(r *http.Request, name string) (discrim.ClusterID, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: %q is not a cluster number", name, raw)
	}
	return discrim.ClusterID(n), nil
}

// handleExport builds the workbook on the work pool when one is configured,
// so exports queue behind computations instead of competing with them.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	res, ok := s.ctrl.Result()
	if !ok {
		writeError(w, http.StatusNotFound, "no result yet")
		return
	}

	var buf bytes.Buffer
	build := func(ctx context.Context) (string, error) {
		if err := export.Write(&buf, res, s.opts.Bins); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d bytes", buf.Len()), nil
	}
	var err error
	if s.opts.Pool != nil {
		err = s.opts.Pool.Run(r.Context(), work.TypeExport, "Export "+res.RequestID, build)
	} else {
		_, err = build(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "discrimhist-"+res.RequestID+".xlsx"))
	w.Write(buf.Bytes())
}

type recalculateResponse struct {
	Trigger recalc.Trigger `json:"trigger"`
	Policy  string         `json:"policy"`
	State   recalc.State   `json:"state"`
}

// handleRecalculate sends a trigger. Without ?trigger= it is a soft
// clusters refresh.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("trigger")
	if name == "" {
		name = string(recalc.TriggerClusters)
	}
	table := s.ctrl.Triggers()
	t, err := recalc.ParseTrigger(name, table)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctrl.Trigger(t); err != nil {
		if errors.Is(err, recalc.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, recalculateResponse{Trigger: t, Policy: table[t].String(), State: s.ctrl.State()})
}

type clustersBody struct {
	Clusters []discrim.ClusterID `json:"clusters"`
}

func (s *Server) handleGetClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clustersBody{Clusters: s.ctrl.ClusterNumbers()})
}

// handlePutClusters replaces the cluster list and sends a clusters trigger.
// List order is kept; it defines the pair order of the next result.
func (s *Server) handlePutClusters(w http.ResponseWriter, r *http.Request) {
	var body clustersBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	for _, k := range body.Clusters {
		if k <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cluster %d: must be positive", k))
			return
		}
	}

	s.ctrl.SetClusterNumbers(body.Clusters)
	if err := s.ctrl.Trigger(recalc.TriggerClusters); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, clustersBody{Clusters: s.ctrl.ClusterNumbers()})
}

// inputsPatch carries the inputs to change; absent fields are kept.
type inputsPatch struct {
	Timeseries *string              `json:"timeseries"`
	Firings    *string              `json:"firings"`
	Filter     *discrim.EventFilter `json:"filter"`
}

type inputsResponse struct {
	Inputs   recalc.Inputs    `json:"inputs"`
	Triggers []recalc.Trigger `json:"triggers,omitempty"`
}

func (s *Server) handleGetInputs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Inputs == nil {
		writeError(w, http.StatusNotFound, "inputs are not editable")
		return
	}
	writeJSON(w, http.StatusOK, inputsResponse{Inputs: s.opts.Inputs.Snapshot()})
}

// handlePutInputs applies an inputs patch and sends the trigger of each
// changed input. A filter change counts as a firings change.
func (s *Server) handlePutInputs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Inputs == nil {
		writeError(w, http.StatusNotFound, "inputs are not editable")
		return
	}
	var body inputsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if (body.Timeseries != nil && *body.Timeseries == "") || (body.Firings != nil && *body.Firings == "") {
		writeError(w, http.StatusBadRequest, "timeseries and firings must not be empty")
		return
	}

	var (
		triggers []recalc.Trigger
		updated  recalc.Inputs
	)
	s.opts.Inputs.Update(func(in *recalc.Inputs) {
		if body.Timeseries != nil && *body.Timeseries != in.Timeseries {
			in.Timeseries = *body.Timeseries
			triggers = append(triggers, recalc.TriggerTimeseries)
		}
		firingsChanged := false
		if body.Firings != nil && *body.Firings != in.Firings {
			in.Firings = *body.Firings
			firingsChanged = true
		}
		if body.Filter != nil && *body.Filter != in.Filter {
			in.Filter = *body.Filter
			firingsChanged = true
		}
		if firingsChanged {
			triggers = append(triggers, recalc.TriggerFirings)
		}
		updated = *in
	})

	for _, t := range triggers {
		if err := s.ctrl.Trigger(t); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	status := http.StatusOK
	if len(triggers) > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, inputsResponse{Inputs: updated, Triggers: triggers})
}

type triggerBody struct {
	Trigger recalc.Trigger `json:"trigger"`
	Policy  string         `json:"policy"`
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	table := s.ctrl.Triggers()
	out := make([]triggerBody, 0, len(table))
	for _, t := range []recalc.Trigger{recalc.TriggerTimeseries, recalc.TriggerFirings,
		recalc.TriggerClusterMerge, recalc.TriggerClusterVisibility, recalc.TriggerClusters} {
		if p, ok := table[t]; ok {
			out = append(out, triggerBody{Trigger: t, Policy: p.String()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	list, err := s.opts.History.ListComputations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []store.Computation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHistoryResult(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	id, err := s.opts.History.ResolveID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	res, err := s.opts.History.LoadResult(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summaryOnly(r) {
		writeJSON(w, http.StatusOK, summarize(res))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
