package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
)

type breakerView struct {
	Name          string  `json:"name"`
	State         string  `json:"state"`
	BufferedCalls int     `json:"buffered_calls"`
	FailedCalls   int     `json:"failed_calls"`
	SlowCalls     int     `json:"slow_calls"`
	FailureRate   float64 `json:"failure_rate"`
	SlowCallRate  float64 `json:"slow_call_rate"`
}

func newBreakerView(s resilience.Snapshot) breakerView {
	return breakerView{
		Name:          s.Name,
		State:         s.State.String(),
		BufferedCalls: s.BufferedCalls,
		FailedCalls:   s.FailedCalls,
		SlowCalls:     s.SlowCalls,
		FailureRate:   s.FailureRate,
		SlowCallRate:  s.SlowCallRate,
	}
}

// opsRouter обслуживает служебный порт: метрики, health и управление breaker'ами.
func opsRouter(health *healthcheck.Handler, registry *resilience.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/healthz", health)
	r.Get("/livez", healthcheck.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)

	r.Route("/admin/circuit-breakers", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			breakers := registry.All()
			out := make([]breakerView, 0, len(breakers))
			for _, cb := range breakers {
				out = append(out, newBreakerView(cb.Snapshot()))
			}
			writeOpsJSON(w, http.StatusOK, out)
		})
		r.Post("/{name}/reset", func(w http.ResponseWriter, req *http.Request) {
			name := chi.URLParam(req, "name")
			if err := registry.Reset(name); err != nil {
				writeOpsJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			cb, _ := registry.Get(name)
			writeOpsJSON(w, http.StatusOK, newBreakerView(cb.Snapshot()))
		})
	})
	return r
}

func writeOpsJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
