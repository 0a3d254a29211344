package main

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ealtun21/quad/internal/rendezvous"
)

// newHelperMetrics registers the helper's counters/gauge and returns the
// rendezvous.Metrics hooks wired to them -- the Prometheus analogue of
// kcptun's --pprof side listener.
func newHelperMetrics() rendezvous.Metrics {
	packetsReceived := promauto.NewCounter(prometheus.CounterOpts{
		Name: "quad_helper_packets_received_total",
		Help: "UDP datagrams received by the rendezvous helper.",
	})
	malformedDrops := promauto.NewCounter(prometheus.CounterOpts{
		Name: "quad_helper_malformed_drops_total",
		Help: "Datagrams dropped for not being exactly 200 bytes.",
	})
	pairingsFormed := promauto.NewCounter(prometheus.CounterOpts{
		Name: "quad_helper_pairings_formed_total",
		Help: "Completed identifier pairings.",
	})
	tableSize := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quad_helper_pairing_table_size",
		Help: "Number of identifiers currently awaiting a partner.",
	})

	return rendezvous.Metrics{
		PacketsReceived: packetsReceived.Inc,
		MalformedDrops:  malformedDrops.Inc,
		PairingsFormed:  pairingsFormed.Inc,
		TableSize:       func(n int) { tableSize.Set(float64(n)) },
	}
}

// serveMetrics starts a background Prometheus endpoint on addr. Errors are
// logged, not fatal -- a dead metrics listener must not take the helper
// down with it.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Println("metrics listener:", err)
		}
	}()
}
