package output

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nperf-go/nperf/internal/stats"
)

// PrometheusSink exports the most recent Statistic as a set of gauges,
// scraped over HTTP via Handler. Each Write call overwrites the gauge
// values, mirroring runZeroInc-sockstats' per-field GaugeVec pattern.
type PrometheusSink struct {
	registry *prometheus.Registry
	mux      *http.ServeMux

	dataRateGbit    prometheus.Gauge
	packetLoss      prometheus.Gauge
	totalDataGByte  prometheus.Gauge
	amountDatagrams prometheus.Gauge
	amountSyscalls  prometheus.Gauge
	amountReordered prometheus.Gauge
	amountDuped     prometheus.Gauge
	amountOmitted   prometheus.Gauge
	uringCanceled   prometheus.Gauge
}

// NewPrometheusSink builds a sink with its own registry, so it never
// collides with the process-wide default registry's collectors.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		dataRateGbit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "data_rate_gbit", Help: "Most recent measured data rate in Gibit/s.",
		}),
		packetLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "packet_loss_percent", Help: "Most recent measured packet loss percentage.",
		}),
		totalDataGByte: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "total_data_gbyte", Help: "Total data transferred in GiBytes.",
		}),
		amountDatagrams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "amount_datagrams", Help: "Total datagrams accounted for.",
		}),
		amountSyscalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "amount_syscalls", Help: "Total syscalls issued.",
		}),
		amountReordered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "amount_reordered_datagrams", Help: "Datagrams observed out of order.",
		}),
		amountDuped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "amount_duplicated_datagrams", Help: "Datagrams observed more than once.",
		}),
		amountOmitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "amount_omitted_datagrams", Help: "Datagrams never observed.",
		}),
		uringCanceled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nperf", Name: "uring_canceled_multishot", Help: "Multishot receive requests canceled by the kernel.",
		}),
	}
	s.registry.MustRegister(
		s.dataRateGbit, s.packetLoss, s.totalDataGByte, s.amountDatagrams,
		s.amountSyscalls, s.amountReordered, s.amountDuped, s.amountOmitted,
		s.uringCanceled,
	)
	s.mux = http.NewServeMux()
	s.mux.Handle("/metrics", s.Handler())
	return s
}

// Mux returns the sink's ServeMux so callers can mount additional routes
// (e.g. a debug-probe dump) alongside /metrics on the same listener.
func (s *PrometheusSink) Mux() *http.ServeMux {
	return s.mux
}

func (s *PrometheusSink) Write(st stats.Statistic) error {
	s.dataRateGbit.Set(st.DataRateGbit)
	s.packetLoss.Set(st.PacketLoss)
	s.totalDataGByte.Set(st.TotalDataGByte)
	s.amountDatagrams.Set(float64(st.AmountDatagrams))
	s.amountSyscalls.Set(float64(st.AmountSyscalls))
	s.amountReordered.Set(float64(st.AmountReorderedDatagrams))
	s.amountDuped.Set(float64(st.AmountDuplicatedDatagrams))
	s.amountOmitted.Set(float64(st.AmountOmittedDatagrams))
	s.uringCanceled.Set(float64(st.UringCanceledMultishot))
	return nil
}

// Handler returns the HTTP handler the caller should mount (or serve
// standalone) to expose the sink's registry for scraping.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ListenAndServe starts a dedicated metrics HTTP server on addr, blocking
// until it errors or the caller's process exits. Intended to be run in
// its own goroutine from cmd/nperf when --metrics-addr is set.
func (s *PrometheusSink) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}
