package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标，所有方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 地址指标
	AddressesCreated     *prometheus.CounterVec
	AddressesDeactivated *prometheus.CounterVec
	QuotaRejections      *prometheus.CounterVec

	// 账户指标
	AccountsRegistered prometheus.Counter
	Verifications      *prometheus.CounterVec

	// 转发指标
	InboundMessages  *prometheus.CounterVec
	ChannelSendTime  prometheus.Histogram
	SweepRuns        *prometheus.CounterVec
	SweepLastSuccess prometheus.Gauge

	// 错误指标
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建独立注册表上的监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaymail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		AddressesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_addresses_created_total",
				Help: "Total number of addresses created",
			},
			[]string{"kind"},
		),
		AddressesDeactivated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_addresses_deactivated_total",
				Help: "Total number of addresses deactivated",
			},
			[]string{"reason"},
		),
		QuotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_quota_rejections_total",
				Help: "Address creations rejected by quota",
			},
			[]string{"kind"},
		),

		AccountsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_accounts_registered_total",
				Help: "Total number of accounts registered",
			},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_verifications_total",
				Help: "Verification attempts by result",
			},
			[]string{"result"},
		),

		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_inbound_messages_total",
				Help: "Inbound messages by outcome",
			},
			[]string{"outcome"},
		),
		ChannelSendTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaymail_channel_send_duration_seconds",
				Help:    "Notification channel send latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_sweep_runs_total",
				Help: "Expiration sweep runs by result",
			},
			[]string{"result"},
		),
		SweepLastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaymail_sweep_last_success_timestamp_seconds",
				Help: "Unix time of the last successful sweep",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_panics_total",
				Help: "Total number of recovered panics",
			},
		),
		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAddressCreated 记录地址创建
func (m *Metrics) RecordAddressCreated(kind string) {
	if m == nil {
		return
	}
	m.AddressesCreated.WithLabelValues(kind).Inc()
}

// RecordAddressesDeactivated 记录地址停用
func (m *Metrics) RecordAddressesDeactivated(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AddressesDeactivated.WithLabelValues(reason).Add(float64(n))
}

// RecordQuotaRejection 记录额度拒绝
func (m *Metrics) RecordQuotaRejection(kind string) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(kind).Inc()
}

// RecordRegistration 记录注册
func (m *Metrics) RecordRegistration() {
	if m == nil {
		return
	}
	m.AccountsRegistered.Inc()
}

// RecordVerification 记录验证结果
func (m *Metrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(result).Inc()
}

// RecordInbound 记录入站邮件处理结果
func (m *Metrics) RecordInbound(outcome string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(outcome).Inc()
}

// ObserveChannelSend 记录通知发送耗时
func (m *Metrics) ObserveChannelSend(d time.Duration) {
	if m == nil {
		return
	}
	m.ChannelSendTime.Observe(d.Seconds())
}

// RecordSweep 记录清理任务结果
func (m *Metrics) RecordSweep(success bool) {
	if m == nil {
		return
	}
	if !success {
		m.SweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.SweepRuns.WithLabelValues("ok").Inc()
	m.SweepLastSuccess.SetToCurrentTime()
}

// RecordPanic 记录恢复的 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拒绝
func (m *Metrics) RecordRateLimitBlock(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}
