package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "mediagate"
	subsystem = "tunnel"
)

var (
	bootTimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "boot_time_seconds",
		Help:      "Boot time of this instance since epoch (1970)",
	})

	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tokens_issued_total",
		Help:      "Capability tokens issued, by resource type",
	}, []string{"type"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "verifications_total",
		Help:      "Token verifications, by result (accepted or the rejection reason)",
	}, []string{"result"})

	UpstreamResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "upstream_responses_total",
		Help:      "Origin fetches, by resource type and outcome",
	}, []string{"type", "outcome"})

	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "policy_decisions_total",
		Help:      "Access policy decisions, by the rule that decided",
	}, []string{"rule"})

	LedgerPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "ledger_pruned_total",
		Help:      "Consumed nonces removed from the ledger by pruning",
	})
)

// Serve exposes the Prometheus handler on bind until the context is canceled.
// It is kept off the public listener so that metrics never pass through the
// access policy.
func Serve(ctx context.Context, bind string) {
	bootTimeSeconds.Set(float64(time.Now().UnixNano()) / 1e9)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &http.Server{Addr: bind, Handler: mux}

	go func() {
		<-ctx.Done()
		log.Debug("metrics: done")
		_ = s.Close()
	}()

	log.WithField("bind", bind).Info("metrics: serving prometheus endpoint")
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithField("error", err).Error("failed to start metrics server")
	}
}
