package oracle

import "github.com/prometheus/client_golang/prometheus"

// FeedReadsTotal counts price reads by outcome (cache_hit, fetched, error).
var FeedReadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reservo",
		Name:      "oracle_reads_total",
		Help:      "Price feed reads by outcome.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(FeedReadsTotal)
}
