package healthcheck

import (
	"fmt"
	"net/http"
)

// HealthCheck answers liveness and readiness probes before the wrapped
// handler sees the request. Liveness is unconditional; readiness consults
// the probe, so a process that is still resyncing reports not-ready without
// losing its health.
type HealthCheck struct {
	// Ready reports whether the process can take traffic. Nil means always
	// ready.
	Ready func() bool
}

// Handler is used to control the flow of the GET /health and GET /ready
// endpoints.
func (hc HealthCheck) Handler(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isProbe(r, "/health"):
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		case isProbe(r, "/ready"):
			hc.serveReady(w)
		default:
			h.ServeHTTP(w, r)
		}
	}

	return http.HandlerFunc(fn)
}

func (hc HealthCheck) serveReady(w http.ResponseWriter) {
	if hc.Ready != nil && !hc.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

func isProbe(r *http.Request, path string) bool {
	return r.Method == http.MethodGet && r.URL.Path == path
}
