package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics.
type PrometheusCollector struct {
	smtpConnectionsTotal  *prometheus.CounterVec
	smtpConnectionsActive *prometheus.GaugeVec
	tlsConnectionsTotal   prometheus.Counter
	messagesIngestedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messageSizeBytes      prometheus.Histogram

	eventsPublishedTotal *prometheus.CounterVec
	eventsDroppedTotal   *prometheus.CounterVec

	webhookAttemptsTotal  *prometheus.CounterVec
	webhookSuccessesTotal *prometheus.CounterVec
	webhookFailuresTotal  *prometheus.CounterVec

	messagesSweptTotal prometheus.Counter

	rateLimitRejectionsTotal *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	imapSessionsTotal prometheus.Counter
	imapSessionsActive prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector with all
// metrics registered against reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		smtpConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_smtp_connections_total",
			Help: "Total number of SMTP connections accepted, by listener mode.",
		}, []string{"mode"}),
		smtpConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tempmaild_smtp_connections_active",
			Help: "Currently active SMTP connections, by listener mode.",
		}, []string{"mode"}),
		tlsConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempmaild_tls_connections_total",
			Help: "Total number of TLS handshakes completed.",
		}),
		messagesIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_messages_ingested_total",
			Help: "Total number of messages accepted and persisted, by recipient domain.",
		}, []string{"domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_messages_rejected_total",
			Help: "Total number of messages rejected, by reason.",
		}, []string{"reason"}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmaild_message_size_bytes",
			Help:    "Size of ingested messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 5242880, 26214400},
		}),
		eventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_fanout_events_published_total",
			Help: "Total number of events published on the fanout bus, by kind.",
		}, []string{"kind"}),
		eventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_fanout_events_dropped_total",
			Help: "Total number of events dropped for lagging subscribers, by kind.",
		}, []string{"kind"}),
		webhookAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_webhook_attempts_total",
			Help: "Total number of webhook delivery attempts, by event.",
		}, []string{"event"}),
		webhookSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_webhook_successes_total",
			Help: "Total number of successful webhook deliveries, by event.",
		}, []string{"event"}),
		webhookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_webhook_failures_total",
			Help: "Total number of webhook deliveries that exhausted retries, by event.",
		}, []string{"event"}),
		messagesSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempmaild_messages_swept_total",
			Help: "Total number of messages deleted by the retention sweeper.",
		}),
		rateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate-limit gate, by address.",
		}, []string{"address"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmaild_http_requests_total",
			Help: "Total number of HTTP requests served, by route and status.",
		}, []string{"route", "status"}),
		imapSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempmaild_imap_sessions_total",
			Help: "Total number of IMAP sessions opened.",
		}),
		imapSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tempmaild_imap_sessions_active",
			Help: "Currently active IMAP sessions.",
		}),
	}

	reg.MustRegister(
		c.smtpConnectionsTotal,
		c.smtpConnectionsActive,
		c.tlsConnectionsTotal,
		c.messagesIngestedTotal,
		c.messagesRejectedTotal,
		c.messageSizeBytes,
		c.eventsPublishedTotal,
		c.eventsDroppedTotal,
		c.webhookAttemptsTotal,
		c.webhookSuccessesTotal,
		c.webhookFailuresTotal,
		c.messagesSweptTotal,
		c.rateLimitRejectionsTotal,
		c.httpRequestsTotal,
		c.imapSessionsTotal,
		c.imapSessionsActive,
	)

	return c
}

func (c *PrometheusCollector) SMTPConnectionOpened(mode string) {
	c.smtpConnectionsTotal.WithLabelValues(mode).Inc()
	c.smtpConnectionsActive.WithLabelValues(mode).Inc()
}

func (c *PrometheusCollector) SMTPConnectionClosed(mode string) {
	c.smtpConnectionsActive.WithLabelValues(mode).Dec()
}

func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionsTotal.Inc()
}

func (c *PrometheusCollector) MessageIngested(domain string, sizeBytes int64) {
	c.messagesIngestedTotal.WithLabelValues(domain).Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) EventPublished(kind string) {
	c.eventsPublishedTotal.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) EventDropped(kind string) {
	c.eventsDroppedTotal.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) WebhookAttempt(event string) {
	c.webhookAttemptsTotal.WithLabelValues(event).Inc()
}

func (c *PrometheusCollector) WebhookSucceeded(event string) {
	c.webhookSuccessesTotal.WithLabelValues(event).Inc()
}

func (c *PrometheusCollector) WebhookFailed(event string) {
	c.webhookFailuresTotal.WithLabelValues(event).Inc()
}

func (c *PrometheusCollector) MessagesSwept(count int) {
	c.messagesSweptTotal.Add(float64(count))
}

func (c *PrometheusCollector) RateLimitRejected(address string) {
	c.rateLimitRejectionsTotal.WithLabelValues(address).Inc()
}

func (c *PrometheusCollector) HTTPRequest(route string, status int) {
	c.httpRequestsTotal.WithLabelValues(route, http.StatusText(status)).Inc()
}

func (c *PrometheusCollector) IMAPSessionOpened() {
	c.imapSessionsTotal.Inc()
	c.imapSessionsActive.Inc()
}

func (c *PrometheusCollector) IMAPSessionClosed() {
	c.imapSessionsActive.Dec()
}

// PrometheusServer exposes the default registry over HTTP.
type PrometheusServer struct {
	srv *http.Server
}

// NewPrometheusServer builds a metrics Server bound to address, serving
// the Prometheus exposition format at path.
func NewPrometheusServer(address, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &PrometheusServer{
		srv: &http.Server{Addr: address, Handler: mux},
	}
}

// Start serves metrics until ctx is cancelled.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
