package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/geomfix/fixer"
	"github.com/kwv/geomfix/logging"
)

// newHTTPServer creates the HTTP API router
func newHTTPServer(a *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Prom, promhttp.HandlerOpts{}))

	r.Route("/layers", func(r chi.Router) {
		r.Get("/", a.handleListLayers)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/validity", a.handleValidity)
			r.Post("/reconcile", a.handleReconcile)
			a.mountReports(r, a.latestReport)
		})
	})
	r.Route("/runs/{id}", func(r chi.Router) {
		a.mountReports(r, a.runReport)
	})
	return r
}

// reportLookup finds the report a request refers to. A nil report with a nil
// error means none is available yet.
type reportLookup func(r *http.Request) (*fixer.Report, error)

func (a *App) mountReports(r chi.Router, lookup reportLookup) {
	r.Get("/report", a.handleReport(lookup, fixer.FormatNameJSON))
	r.Get("/report.html", a.handleReport(lookup, fixer.FormatNameHTML))
	r.Get("/report.txt", a.handleReport(lookup, fixer.FormatNameText))
	r.Get("/report.svg", a.handleReport(lookup, fixer.FormatNameSVG))
	r.Get("/report.png", a.handleReport(lookup, fixer.FormatNamePNG))
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		reqLog := logging.FromContext(ctx, a.Log)
		reqLog.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps workflow errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fixer.ErrUnknownLayer):
		return http.StatusNotFound
	case errors.Is(err, fixer.ErrEditLock), errors.Is(err, fixer.ErrLayerLocked), errors.Is(err, fixer.ErrReadOnly):
		return http.StatusConflict
	case errors.Is(err, fixer.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status        string    `json:"status"`
		Timestamp     time.Time `json:"timestamp"`
		Layers        int       `json:"layers"`
		MQTTConnected bool      `json:"mqttConnected"`
	}{
		Status:        "ok",
		Timestamp:     time.Now(),
		Layers:        len(a.Layers.Names()),
		MQTTConnected: a.MQTTClient != nil && a.MQTTClient.IsConnected(),
	}
	writeJSON(w, http.StatusOK, status)
}

type layerInfo struct {
	Name      string `json:"name"`
	Features  int    `json:"features"`
	ReadOnly  bool   `json:"readOnly"`
	Editing   bool   `json:"editing"`
	LastRunID string `json:"lastRunId,omitempty"`
}

func (a *App) handleListLayers(w http.ResponseWriter, r *http.Request) {
	out := make([]layerInfo, 0)
	for _, name := range a.Layers.Names() {
		l, err := a.Layers.Layer(name)
		if err != nil {
			continue
		}
		info := layerInfo{
			Name:     name,
			Features: l.FeatureCount(),
			ReadOnly: l.ReadOnly(),
			Editing:  l.IsEditing(),
		}
		if rep, ok := a.Layers.LatestReport(name); ok {
			info.LastRunID = rep.RunID
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

type issueEntry struct {
	FID      int64      `json:"fid"`
	Reason   string     `json:"reason"`
	Location *orb.Point `json:"location,omitempty"`
}

func (a *App) handleValidity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	l, err := a.Layers.Layer(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	vp, err := a.Workflow.Toolbox().CheckValidity(r.Context(), l.Features())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := struct {
		Layer    string       `json:"layer"`
		Features int          `json:"features"`
		Valid    int          `json:"valid"`
		Invalid  []issueEntry `json:"invalid"`
		Errors   []issueEntry `json:"errors"`
	}{
		Layer:    name,
		Features: len(vp.Valid) + len(vp.Invalid) + len(vp.Errors),
		Valid:    len(vp.Valid),
		Invalid:  make([]issueEntry, 0, len(vp.Invalid)),
		Errors:   make([]issueEntry, 0, len(vp.Errors)),
	}
	for _, f := range vp.Invalid {
		is := vp.Issues[f.FID]
		loc := is.Location
		resp.Invalid = append(resp.Invalid, issueEntry{FID: f.FID, Reason: is.Reason, Location: &loc})
	}
	for _, f := range vp.Errors {
		resp.Errors = append(resp.Errors, issueEntry{FID: f.FID, Reason: vp.Issues[f.FID].Reason})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleReconcile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var policy fixer.Policy
	if q := r.URL.Query().Get("policy"); q != "" {
		p, err := fixer.ParsePolicy(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		policy = p
	}
	ctx := logging.WithLayer(r.Context(), name)
	rep, err := a.ReconcileLayer(ctx, name, policy)
	if err != nil {
		reqLog := logging.FromContext(ctx, a.Log)
		reqLog.Warn().Err(err).Msg("reconcile request failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

var reportContentTypes = map[string]string{
	fixer.FormatNameJSON: "application/json",
	fixer.FormatNameHTML: "text/html; charset=utf-8",
	fixer.FormatNameText: "text/plain; charset=utf-8",
	fixer.FormatNameSVG:  "image/svg+xml",
	fixer.FormatNamePNG:  "image/png",
}

// latestReport returns the most recent report of the named layer.
func (a *App) latestReport(r *http.Request) (*fixer.Report, error) {
	name := chi.URLParam(r, "name")
	if _, err := a.Layers.Layer(name); err != nil {
		return nil, err
	}
	rep, _ := a.Layers.LatestReport(name)
	return rep, nil
}

// runReport looks a report up by run id in the bounded history.
func (a *App) runReport(r *http.Request) (*fixer.Report, error) {
	rep, _ := a.Layers.Report(chi.URLParam(r, "id"))
	return rep, nil
}

// handleReport serves the report found by lookup in one format.
func (a *App) handleReport(lookup reportLookup, format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := lookup(r)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if rep == nil {
			http.Error(w, "No report available", http.StatusNotFound)
			return
		}

		var buf bytes.Buffer
		if err := fixer.WriteReport(&buf, format, rep); err != nil {
			if errors.Is(err, fixer.ErrNothingToRender) {
				http.Error(w, "No geometries to render", http.StatusNotFound)
				return
			}
			reqLog := logging.FromContext(r.Context(), a.Log)
			reqLog.Error().Err(err).Str("format", format).Msg("rendering report")
			http.Error(w, "Failed to render report", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", reportContentTypes[format])
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	}
}
