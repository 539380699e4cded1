// Package metrics 以 Prometheus 文本格式暴露 HTTP 与 Agent 运行指标。
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

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type routeKey struct {
	handler string
	method  string
}

type requestKey struct {
	routeKey
	code string
}

type runKey struct {
	inputType string
	outcome   string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	return &histogram{buckets: defaultBuckets, counts: make([]uint64, len(defaultBuckets))}
}

// observe 累加到首个覆盖该值的桶及其之后的所有桶，超过上界的只计入 +Inf。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Collector 汇总进程内的全部指标，可并发使用。
type Collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	errors      map[routeKey]uint64
	latency     map[routeKey]*histogram
	runs        map[runKey]uint64
	runLatency  map[string]*histogram
	loops       map[string]*histogram
	guardDrops  uint64
	loopCapHits uint64
}

// NewCollector 创建空的指标集合。
func NewCollector() *Collector {
	return &Collector{
		requests:   make(map[requestKey]uint64),
		errors:     make(map[routeKey]uint64),
		latency:    make(map[routeKey]*histogram),
		runs:       make(map[runKey]uint64),
		runLatency: make(map[string]*histogram),
		loops:      make(map[string]*histogram),
	}
}

// Default 是进程级默认集合，由 Handler 与 ObserveHTTPRequest 使用。
var Default = NewCollector()

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	route := routeKey{handler: handler, method: method}
	c.requests[requestKey{routeKey: route, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[route]++
	}
	hist := c.latency[route]
	if hist == nil {
		hist = newHistogram()
		c.latency[route] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveRun 记录一次 Agent 运行的结果、工具回合数与耗时。
func (c *Collector) ObserveRun(inputType string, ok bool, loops int, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.runs[runKey{inputType: inputType, outcome: outcome}]++

	lat := c.runLatency[inputType]
	if lat == nil {
		lat = newHistogram()
		c.runLatency[inputType] = lat
	}
	lat.observe(seconds)

	hist := c.loops[inputType]
	if hist == nil {
		hist = &histogram{buckets: []float64{0, 1, 2, 3, 5, 8}, counts: make([]uint64, 6)}
		c.loops[inputType] = hist
	}
	hist.observe(float64(loops))
}

// ObserveGuardDrops 累加被去重守卫丢弃的工具调用数。
func (c *Collector) ObserveGuardDrops(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.guardDrops += uint64(n)
	c.mu.Unlock()
}

// ObserveLoopCap 记录一次回合上限触发。
func (c *Collector) ObserveLoopCap() {
	c.mu.Lock()
	c.loopCapHits++
	c.mu.Unlock()
}

// Handler 返回默认集合的 /metrics 处理器。
func Handler() http.Handler {
	return Default.Handler()
}

// Handler 以 Prometheus 文本格式输出当前集合。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.render())
	})
}

func (c *Collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("# HELP finsight_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE finsight_http_requests_total counter\n")
	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].routeKey != reqKeys[j].routeKey {
			return lessRoute(reqKeys[i].routeKey, reqKeys[j].routeKey)
		}
		return reqKeys[i].code < reqKeys[j].code
	})
	for _, key := range reqKeys {
		fmt.Fprintf(&b, "finsight_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key])
	}

	b.WriteString("# HELP finsight_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE finsight_http_request_errors_total counter\n")
	for _, key := range sortedRoutes(c.errors) {
		fmt.Fprintf(&b, "finsight_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), c.errors[key])
	}

	b.WriteString("# HELP finsight_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE finsight_http_request_duration_seconds histogram\n")
	for _, key := range sortedRoutes(c.latency) {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method))
		writeHistogram(&b, "finsight_http_request_duration_seconds", labels, c.latency[key])
	}

	b.WriteString("# HELP finsight_agent_runs_total Agent runs by input type and outcome.\n")
	b.WriteString("# TYPE finsight_agent_runs_total counter\n")
	runKeys := make([]runKey, 0, len(c.runs))
	for key := range c.runs {
		runKeys = append(runKeys, key)
	}
	sort.Slice(runKeys, func(i, j int) bool {
		if runKeys[i].inputType != runKeys[j].inputType {
			return runKeys[i].inputType < runKeys[j].inputType
		}
		return runKeys[i].outcome < runKeys[j].outcome
	})
	for _, key := range runKeys {
		fmt.Fprintf(&b, "finsight_agent_runs_total{input_type=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.inputType), key.outcome, c.runs[key])
	}

	b.WriteString("# HELP finsight_agent_run_duration_seconds Agent run duration in seconds.\n")
	b.WriteString("# TYPE finsight_agent_run_duration_seconds histogram\n")
	for _, name := range sortedNames(c.runLatency) {
		writeHistogram(&b, "finsight_agent_run_duration_seconds", fmt.Sprintf("input_type=\"%s\"", escape(name)), c.runLatency[name])
	}

	b.WriteString("# HELP finsight_agent_tool_loops Tool rounds executed per agent run.\n")
	b.WriteString("# TYPE finsight_agent_tool_loops histogram\n")
	for _, name := range sortedNames(c.loops) {
		writeHistogram(&b, "finsight_agent_tool_loops", fmt.Sprintf("input_type=\"%s\"", escape(name)), c.loops[name])
	}

	b.WriteString("# HELP finsight_agent_guard_drops_total Tool calls dropped as duplicates.\n")
	b.WriteString("# TYPE finsight_agent_guard_drops_total counter\n")
	fmt.Fprintf(&b, "finsight_agent_guard_drops_total %d\n", c.guardDrops)

	b.WriteString("# HELP finsight_agent_loop_cap_total Runs stopped by the tool loop cap.\n")
	b.WriteString("# TYPE finsight_agent_loop_cap_total counter\n")
	fmt.Fprintf(&b, "finsight_agent_loop_cap_total %d\n", c.loopCapHits)

	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

func lessRoute(a, b routeKey) bool {
	if a.handler != b.handler {
		return a.handler < b.handler
	}
	return a.method < b.method
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return lessRoute(keys[i], keys[j]) })
	return keys
}

func sortedNames[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
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

// StartServer 在独立端口上暴露 /metrics，直到 ctx 结束。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics 监听地址为空")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
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
