package metrics

import "github.com/prometheus/client_golang/prometheus"

// BillingMetrics exposes counters and histograms for the billing engine.
type BillingMetrics struct {
	messagesTotal       *prometheus.CounterVec
	tokensDebited       prometheus.Counter
	depositsTotal       *prometheus.CounterVec
	depositTokens       *prometheus.CounterVec
	refundsTotal        *prometheus.CounterVec
	refundTokens        *prometheus.CounterVec
	abuseRejections     prometheus.Counter
	integrityCorrected  *prometheus.CounterVec
	integrityRejected   *prometheus.CounterVec
	ledgerFailures      prometheus.Counter
	walletCreditFailure *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
	sweepSessions       *prometheus.CounterVec
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "messages_total",
			Help:      "Messages processed, by outcome",
		}, []string{"outcome"}),
		tokensDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "tokens_debited_total",
			Help:      "Tokens debited from escrow",
		}),
		depositsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "deposits_total",
			Help:      "Deposits accepted, by kind",
		}, []string{"kind"}),
		depositTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "deposit_tokens_total",
			Help:      "Deposited tokens split into escrow and platform fee",
		}, []string{"part"}),
		refundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "refunds_total",
			Help:      "Session terminations with a refund record, by reason",
		}, []string{"reason"}),
		refundTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "refund_tokens_total",
			Help:      "Tokens refunded to payers, by reason",
		}, []string{"reason"}),
		abuseRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "abuse_rejections_total",
			Help:      "Messages rejected as duplicate content",
		}),
		integrityCorrected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "integrity_corrections_total",
			Help:      "Integrity rule corrections, by rule",
		}, []string{"rule"}),
		integrityRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "integrity_rejections_total",
			Help:      "Integrity rule rejections, by rule",
		}, []string{"rule"}),
		ledgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "ledger_integrity_failures_total",
			Help:      "Conservation check failures; each halts a session",
		}),
		walletCreditFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "wallet_credit_failures_total",
			Help:      "Wallet credits that failed after commit, by purpose",
		}, []string{"purpose"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiration sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "billing",
			Name:      "sweep_sessions_total",
			Help:      "Sessions visited by the expiration sweep, by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.messagesTotal, m.tokensDebited, m.depositsTotal, m.depositTokens,
		m.refundsTotal, m.refundTokens, m.abuseRejections,
		m.integrityCorrected, m.integrityRejected, m.ledgerFailures,
		m.walletCreditFailure, m.sweepDuration, m.sweepSessions,
	)
	return m
}

// ObserveMessage counts a send attempt. outcome is "free", "charged", or a rejection reason.
func (m *BillingMetrics) ObserveMessage(outcome string, tokens int64) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome).Inc()
	if tokens > 0 {
		m.tokensDebited.Add(float64(tokens))
	}
}

func (m *BillingMetrics) ObserveDeposit(kind string, escrow, fee int64) {
	if m == nil {
		return
	}
	m.depositsTotal.WithLabelValues(kind).Inc()
	m.depositTokens.WithLabelValues("escrow").Add(float64(escrow))
	m.depositTokens.WithLabelValues("platform_fee").Add(float64(fee))
}

func (m *BillingMetrics) ObserveRefund(reason string, tokens int64) {
	if m == nil {
		return
	}
	m.refundsTotal.WithLabelValues(reason).Inc()
	m.refundTokens.WithLabelValues(reason).Add(float64(tokens))
}

func (m *BillingMetrics) ObserveAbuseRejection() {
	if m == nil {
		return
	}
	m.abuseRejections.Inc()
}

// IntegrityCorrection and IntegrityRejection satisfy integrity.Recorder.
func (m *BillingMetrics) IntegrityCorrection(rule string) {
	if m == nil {
		return
	}
	m.integrityCorrected.WithLabelValues(rule).Inc()
}

func (m *BillingMetrics) IntegrityRejection(rule string) {
	if m == nil {
		return
	}
	m.integrityRejected.WithLabelValues(rule).Inc()
}

func (m *BillingMetrics) ObserveLedgerFailure() {
	if m == nil {
		return
	}
	m.ledgerFailures.Inc()
}

func (m *BillingMetrics) ObserveCreditFailure(purpose string) {
	if m == nil {
		return
	}
	m.walletCreditFailure.WithLabelValues(purpose).Inc()
}

func (m *BillingMetrics) ObserveSweep(seconds float64) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(seconds)
}

func (m *BillingMetrics) ObserveSweepSession(outcome string) {
	if m == nil {
		return
	}
	m.sweepSessions.WithLabelValues(outcome).Inc()
}
