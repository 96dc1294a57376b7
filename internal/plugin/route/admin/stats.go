package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fieldnote/memoryd/internal/config"
	"github.com/gin-gonic/gin"
)

// The admin stats UI is just a thin client over these PromQL queries,
// run against whatever Prometheus instance cfg.PrometheusURL points at.
const (
	requestRateQuery       = `sum(rate(memory_service_requests_total[5m]))`
	errorRateQuery         = `sum(rate(memory_service_requests_total{status=~"5.."}[5m])) / sum(rate(memory_service_requests_total[5m])) * 100`
	latencyP95Query        = `histogram_quantile(0.95, sum(rate(memory_service_request_duration_seconds_bucket[5m])) by (le))`
	cacheHitRateQuery      = `sum(rate(memory_service_cache_hits_total[5m])) / (sum(rate(memory_service_cache_hits_total[5m])) + sum(rate(memory_service_cache_misses_total[5m]))) * 100`
	dbPoolUtilizationQuery = `sum(memory_service_db_pool_open_connections) / sum(memory_service_db_pool_max_connections) * 100`
	storeLatencyP95Query   = `histogram_quantile(0.95, sum(rate(memory_service_store_latency_seconds_bucket[5m])) by (le, operation))`
	storeThroughputQuery   = `sum(rate(memory_service_store_latency_seconds_count[5m])) by (operation)`
)

var errPrometheusNotConfigured = errors.New("prometheus not configured")

type prometheusStatsHandler struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type timeSeriesPoint struct {
	Timestamp string   `json:"timestamp"`
	Value     *float64 `json:"value"`
}

type timeSeriesResponse struct {
	Metric string            `json:"metric"`
	Unit   string            `json:"unit"`
	Data   []timeSeriesPoint `json:"data"`
}

type labeledSeries struct {
	Label string            `json:"label"`
	Data  []timeSeriesPoint `json:"data"`
}

type multiSeriesResponse struct {
	Metric string          `json:"metric"`
	Unit   string          `json:"unit"`
	Series []labeledSeries `json:"series"`
}

type prometheusRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []prometheusRangeResult `json:"result"`
	} `json:"data"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
}

type prometheusRangeResult struct {
	Metric map[string]string `json:"metric"`
	Values [][]any           `json:"values"`
}

func newPrometheusStatsHandler(cfg *config.Config) *prometheusStatsHandler {
	baseURL := ""
	if cfg != nil {
		baseURL = strings.TrimSpace(cfg.PrometheusURL)
	}
	return &prometheusStatsHandler{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
	}
}

// rangeHandler serves a single PromQL range query as a flat time series.
func (h *prometheusStatsHandler) rangeHandler(promQL, metric, unit string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, end, step := h.resolveWindow(c)
		resp, err := h.queryRange(c.Request.Context(), promQL, start, end, step)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toTimeSeries(resp, metric, unit))
	}
}

// multiSeriesHandler serves a PromQL range query whose result vector
// has more than one series, grouped by labelKey.
func (h *prometheusStatsHandler) multiSeriesHandler(promQL, metric, unit, labelKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, end, step := h.resolveWindow(c)
		resp, err := h.queryRange(c.Request.Context(), promQL, start, end, step)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toMultiSeries(resp, metric, unit, labelKey))
	}
}

func (h *prometheusStatsHandler) resolveWindow(c *gin.Context) (start, end, step string) {
	start = strings.TrimSpace(c.Query("start"))
	end = strings.TrimSpace(c.Query("end"))
	step = strings.TrimSpace(c.DefaultQuery("step", "60s"))

	now := h.now().UTC()
	if start == "" {
		start = now.Add(-time.Hour).Format(time.RFC3339)
	}
	if end == "" {
		end = now.Format(time.RFC3339)
	}
	if step == "" {
		step = "60s"
	}
	return start, end, step
}

func (h *prometheusStatsHandler) queryRange(ctx context.Context, promQL, start, end, step string) (*prometheusRangeResponse, error) {
	if h.baseURL == "" {
		return nil, errPrometheusNotConfigured
	}
	endpoint, err := url.Parse(strings.TrimRight(h.baseURL, "/") + "/api/v1/query_range")
	if err != nil {
		return nil, fmt.Errorf("invalid Prometheus URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("query", promQL)
	q.Set("start", start)
	q.Set("end", end)
	q.Set("step", step)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build Prometheus request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not connect to Prometheus server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("prometheus query failed with status %d", resp.StatusCode)
	}

	var payload prometheusRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode Prometheus response: %w", err)
	}
	if !strings.EqualFold(payload.Status, "success") {
		msg := strings.TrimSpace(payload.Error)
		if msg == "" {
			msg = "prometheus query failed"
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return &payload, nil
}

func (h *prometheusStatsHandler) writeError(c *gin.Context, err error) {
	if errors.Is(err, errPrometheusNotConfigured) {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Prometheus not configured",
			"code":  "prometheus_not_configured",
			"details": gin.H{
				"message": "Prometheus is not configured. Set --prometheus-url (MEMORYD_PROMETHEUS_URL) to enable admin stats.",
			},
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "Prometheus unavailable",
		"code":  "prometheus_unavailable",
		"details": gin.H{
			"message": err.Error(),
		},
	})
}

func toTimeSeries(resp *prometheusRangeResponse, metric, unit string) timeSeriesResponse {
	out := timeSeriesResponse{Metric: metric, Unit: unit, Data: []timeSeriesPoint{}}
	if resp == nil || len(resp.Data.Result) == 0 {
		return out
	}
	for _, raw := range resp.Data.Result[0].Values {
		if point, ok := decodePoint(raw); ok {
			out.Data = append(out.Data, point)
		}
	}
	return out
}

func toMultiSeries(resp *prometheusRangeResponse, metric, unit, labelKey string) multiSeriesResponse {
	out := multiSeriesResponse{Metric: metric, Unit: unit, Series: []labeledSeries{}}
	if resp == nil {
		return out
	}
	for _, result := range resp.Data.Result {
		label := "unknown"
		if v, ok := result.Metric[labelKey]; ok && strings.TrimSpace(v) != "" {
			label = v
		}
		series := labeledSeries{Label: label, Data: []timeSeriesPoint{}}
		for _, raw := range result.Values {
			if point, ok := decodePoint(raw); ok {
				series.Data = append(series.Data, point)
			}
		}
		out.Series = append(out.Series, series)
	}
	return out
}

func decodePoint(raw []any) (timeSeriesPoint, bool) {
	if len(raw) < 2 {
		return timeSeriesPoint{}, false
	}
	ts, ok := decodeTimestamp(raw[0])
	if !ok {
		return timeSeriesPoint{}, false
	}
	value, ok := decodeValue(raw[1])
	if !ok {
		return timeSeriesPoint{}, false
	}
	return timeSeriesPoint{Timestamp: ts.UTC().Format(time.RFC3339), Value: value}, true
}

func decodeTimestamp(v any) (time.Time, bool) {
	seconds, ok := toFloat(v)
	if !ok {
		return time.Time{}, false
	}
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), true
}

func toFloat(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f, true
		}
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return 0, false
		}
		return float64(parsed.Unix()), true
	default:
		return 0, false
	}
}

func decodeValue(v any) (*float64, bool) {
	switch value := v.(type) {
	case float64:
		return finiteOrNil(value), true
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return nil, false
		}
		return finiteOrNil(f), true
	case string:
		s := strings.TrimSpace(value)
		switch s {
		case "NaN", "+Inf", "-Inf":
			return nil, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		return finiteOrNil(f), true
	default:
		return nil, false
	}
}

func finiteOrNil(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
