// SPDX-License-Identifier: MIT
//
// poolping's HTTP surface: a Prometheus /metrics endpoint (spec's DOMAIN
// STACK) plus small JSON endpoints for pool stats and build version, in
// the style of kexuedns/api's ApiHandler (single mux, method-qualified
// patterns, plain http.Error for failures).

package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kexuepool/config"
	"kexuepool/pool"
)

type ApiHandler struct {
	pool *pool.Pool
	mux  *http.ServeMux
}

// NewApiHandler builds the handler and registers p's collectors with a
// fresh Prometheus registry served at /metrics.
func NewApiHandler(p *pool.Pool) *ApiHandler {
	h := &ApiHandler{
		pool: p,
		mux:  http.NewServeMux(),
	}

	reg := prometheus.NewRegistry()
	for _, c := range p.Metrics() {
		reg.MustRegister(c)
	}

	// NOTE: Patterns require Go 1.22.0+
	h.mux.HandleFunc("GET /version", h.getVersion)
	h.mux.HandleFunc("GET /stats", h.getStats)
	h.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return h
}

func (h *ApiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *ApiHandler) getVersion(w http.ResponseWriter, r *http.Request) {
	vi := config.GetVersion()
	var resp = struct {
		Version string `json:"version"`
		Date    string `json:"date"`
	}{
		Version: vi.Version,
		Date:    vi.Date,
	}
	writeJSON(w, &resp)
}

func (h *ApiHandler) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.pool.Stats())
}
