package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type invocationKey struct {
	intent string
	status string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	invocations map[invocationKey]uint64
	breaches    uint64
	latency     map[string]*histogram
}

var defaultCollector = &collector{
	requests:    make(map[requestKey]uint64),
	invocations: make(map[invocationKey]uint64),
	latency:     make(map[string]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	key := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	defaultCollector.requests[key]++
}

// ObserveInvocation records the outcome and latency of a governed tool call.
func ObserveInvocation(intent, status string, duration time.Duration) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()

	defaultCollector.invocations[invocationKey{intent: intent, status: status}]++
	if status == "SECURITY_BREACH" {
		defaultCollector.breaches++
	}

	hist := defaultCollector.latency[intent]
	if hist == nil {
		hist = newHistogram()
		defaultCollector.latency[intent] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type invocationMetric struct {
		invocationKey
		value uint64
	}
	type latencyMetric struct {
		intent  string
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	invs := make([]invocationMetric, 0, len(c.invocations))
	for key, value := range c.invocations {
		invs = append(invs, invocationMetric{invocationKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for intent, hist := range c.latency {
		lats = append(lats, latencyMetric{
			intent:  intent,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(invs, func(i, j int) bool {
		if invs[i].intent == invs[j].intent {
			return invs[i].status < invs[j].status
		}
		return invs[i].intent < invs[j].intent
	})
	sort.Slice(lats, func(i, j int) bool { return lats[i].intent < lats[j].intent })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP openacp_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE openacp_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("openacp_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP openacp_invocations_total Total number of governed tool invocations by outcome.\n")
	builder.WriteString("# TYPE openacp_invocations_total counter\n")
	for _, metric := range invs {
		builder.WriteString(fmt.Sprintf("openacp_invocations_total{intent=\"%s\",status=\"%s\"} %d\n",
			escape(metric.intent), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP openacp_security_breaches_total Total number of invocations blocked as security breaches.\n")
	builder.WriteString("# TYPE openacp_security_breaches_total counter\n")
	builder.WriteString(fmt.Sprintf("openacp_security_breaches_total %d\n", c.breaches))

	builder.WriteString("# HELP openacp_invocation_duration_seconds Governed invocation duration in seconds.\n")
	builder.WriteString("# TYPE openacp_invocation_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("openacp_invocation_duration_seconds_bucket{intent=\"%s\",le=\"%s\"} %d\n",
				escape(metric.intent), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("openacp_invocation_duration_seconds_bucket{intent=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.intent), metric.count))
		builder.WriteString(fmt.Sprintf("openacp_invocation_duration_seconds_sum{intent=\"%s\"} %s\n",
			escape(metric.intent), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("openacp_invocation_duration_seconds_count{intent=\"%s\"} %d\n",
			escape(metric.intent), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
