package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler returns the Prometheus scrape handler. The OTel meter
// provider feeds the default Prometheus registry through its exporter.
func MetricsHandler(h http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return promhttp.Handler()
}
