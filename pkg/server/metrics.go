package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orneryd/soundgraph/pkg/cluster"
)

// metrics holds one server's Prometheus collectors. Each server registers
// into its own registry so several can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	clusterDuration prometheus.Histogram
	clusterOutcomes *prometheus.CounterVec
	clusterSizes    prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry, s *Server) *metrics {
	factory := promauto.With(reg)
	m := &metrics{
		registry: reg,

		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soundgraph_http_requests_total",
				Help: "Total number of HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "soundgraph_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		clusterDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "soundgraph_clustering_duration_seconds",
				Help:    "Duration of cluster_points computations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		clusterOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soundgraph_clustering_requests_total",
				Help: "Total number of cluster_points requests by outcome",
			},
			[]string{"outcome"}, // "ok", "empty", "error"
		),

		clusterSizes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "soundgraph_clustering_communities",
				Help:    "Number of communities returned per clustering",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 12, 16},
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "soundgraph_index_points",
			Help: "Number of points in the vector index",
		},
		func() float64 { return float64(s.state.Index.Len()) },
	)

	if s.state.Engine != nil {
		engine := s.state.Engine
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "soundgraph_cluster_cache_hits_total",
				Help: "Total number of clustering result cache hits",
			},
			func() float64 {
				cs, _ := engine.CacheStats()
				return float64(cs.Hits)
			},
		)
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "soundgraph_cluster_cache_misses_total",
				Help: "Total number of clustering result cache misses",
			},
			func() float64 {
				cs, _ := engine.CacheStats()
				return float64(cs.Misses)
			},
		)
	}

	reg.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRequest(route, method string, status int, d time.Duration) {
	if status == 0 {
		status = http.StatusOK
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *metrics) observeClustering(res *cluster.Result, err error, d time.Duration) {
	m.clusterDuration.Observe(d.Seconds())
	switch {
	case err != nil:
		m.clusterOutcomes.WithLabelValues("error").Inc()
	case res.Empty():
		m.clusterOutcomes.WithLabelValues("empty").Inc()
	default:
		m.clusterOutcomes.WithLabelValues("ok").Inc()
		m.clusterSizes.Observe(float64(len(res.Communities)))
	}
}
