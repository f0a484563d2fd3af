// -----------------------------------------------------------------------
// Metrics - prometheus instrumentation fed by lifecycle events
// -----------------------------------------------------------------------

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternarybob/conveyor/internal/interfaces"
)

// Registry owns the prometheus registry and the collectors. Lifecycle
// counters increment off the event service so the services themselves
// stay free of instrumentation calls; queue depth is sampled on scrape.
type Registry struct {
	registry *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsCancelled   prometheus.Counter
	execFinished    *prometheus.CounterVec
	deadLettered    prometheus.Counter
	schedulerGaps   prometheus.Counter
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
}

// NewRegistry builds the registry with process and Go runtime
// collectors plus the service's own.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by intake, by kind.",
		}, []string{"kind"}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "jobs_cancelled_total",
			Help:      "Jobs cancelled by request.",
		}),
		execFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "executions_finished_total",
			Help:      "Finished execution attempts, by outcome.",
		}, []string{"outcome"}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages parked on the dead-letter queue.",
		}),
		schedulerGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "scheduler_gaps_total",
			Help:      "Cron firing windows skipped under the skip policy.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conveyor",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "requests_rate_limited_total",
			Help:      "Requests rejected by the rate governor.",
		}),
	}
	reg.MustRegister(
		r.jobsSubmitted,
		r.jobsCancelled,
		r.execFinished,
		r.deadLettered,
		r.schedulerGaps,
		r.requestDuration,
		r.rateLimited,
	)
	return r
}

// WireEvents subscribes the lifecycle counters to the event service.
func (r *Registry) WireEvents(events interfaces.EventService) error {
	subs := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventJobSubmitted: func(ctx context.Context, event interfaces.Event) error {
			kind, _ := event.Data["kind"].(string)
			r.jobsSubmitted.WithLabelValues(kind).Inc()
			return nil
		},
		interfaces.EventJobCancelled: func(ctx context.Context, event interfaces.Event) error {
			r.jobsCancelled.Inc()
			return nil
		},
		interfaces.EventExecutionFinished: func(ctx context.Context, event interfaces.Event) error {
			outcome, _ := event.Data["outcome"].(string)
			r.execFinished.WithLabelValues(outcome).Inc()
			return nil
		},
		interfaces.EventDeadLettered: func(ctx context.Context, event interfaces.Event) error {
			r.deadLettered.Inc()
			return nil
		},
		interfaces.EventSchedulerGap: func(ctx context.Context, event interfaces.Event) error {
			r.schedulerGaps.Inc()
			return nil
		},
	}
	for eventType, handler := range subs {
		if err := events.Subscribe(eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

// WireQueueDepth registers a collector that samples the execution queue
// census on every scrape.
func (r *Registry) WireQueueDepth(bus interfaces.MessageBus) {
	r.registry.MustRegister(&depthCollector{bus: bus})
}

// ObserveRequest records one HTTP request.
func (r *Registry) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	r.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
	if status == http.StatusTooManyRequests {
		r.rateLimited.Inc()
	}
}

// Handler returns the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

var depthDescs = map[string]*prometheus.Desc{
	"ready":         prometheus.NewDesc("conveyor_queue_ready", "Messages ready for delivery.", []string{"queue"}, nil),
	"inflight":      prometheus.NewDesc("conveyor_queue_inflight", "Messages under an active lease.", []string{"queue"}, nil),
	"delayed":       prometheus.NewDesc("conveyor_queue_delayed", "Messages waiting out a backoff delay.", []string{"queue"}, nil),
	"dead_lettered": prometheus.NewDesc("conveyor_queue_dead_lettered", "Messages parked on the DLQ.", []string{"queue"}, nil),
}

type depthCollector struct {
	bus interfaces.MessageBus
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range depthDescs {
		ch <- desc
	}
}

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	for _, queue := range interfaces.ExecutionQueues() {
		depth, err := c.bus.Depth(context.Background(), queue)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(depthDescs["ready"], prometheus.GaugeValue, float64(depth.Ready), queue)
		ch <- prometheus.MustNewConstMetric(depthDescs["inflight"], prometheus.GaugeValue, float64(depth.Inflight), queue)
		ch <- prometheus.MustNewConstMetric(depthDescs["delayed"], prometheus.GaugeValue, float64(depth.Delayed), queue)
		ch <- prometheus.MustNewConstMetric(depthDescs["dead_lettered"], prometheus.GaugeValue, float64(depth.DeadLettered), queue)
	}
}
