package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"batpay/native/batpay"
)

// BatPayMetrics records ledger activity. It satisfies batpay.Metrics.
type BatPayMetrics struct {
	operations *prometheus.CounterVec
	resolved   *prometheus.CounterVec
	reserves   *prometheus.GaugeVec
	tables     *prometheus.GaugeVec
}

var (
	batpayOnce     sync.Once
	batpayRegistry *BatPayMetrics
)

// outcomes maps rejections onto a bounded label set.
var outcomes = []struct {
	err   error
	label string
}{
	{batpay.ErrUnauthorized, "unauthorized"},
	{batpay.ErrInsufficientFunds, "insufficient_funds"},
	{batpay.ErrInsufficientApproval, "insufficient_approval"},
	{batpay.ErrBadSignature, "bad_signature"},
	{batpay.ErrInvalidState, "invalid_state"},
	{batpay.ErrDeadlineExpired, "deadline_expired"},
	{batpay.ErrDeadlineNotPassed, "deadline_not_passed"},
	{batpay.ErrInvalidProof, "invalid_proof"},
	{batpay.ErrInvalidAccountID, "invalid_id"},
	{batpay.ErrInvalidPaymentID, "invalid_id"},
	{batpay.ErrInvalidBulkID, "invalid_id"},
}

func BatPay() *BatPayMetrics {
	batpayOnce.Do(func() {
		batpayRegistry = &BatPayMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "batpay",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "batpay",
				Subsystem: "challenge",
				Name:      "resolved_total",
				Help:      "Resolved challenges by winning party.",
			}, []string{"winner"}),
			reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "batpay",
				Subsystem: "ledger",
				Name:      "reserve_tokens",
				Help:      "Tokens held outside account balances.",
			}, []string{"reserve"}),
			tables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "batpay",
				Subsystem: "ledger",
				Name:      "table_size",
				Help:      "Number of accounts, payments and open collect slots.",
			}, []string{"table"}),
		}
		prometheus.MustRegister(
			batpayRegistry.operations,
			batpayRegistry.resolved,
			batpayRegistry.reserves,
			batpayRegistry.tables,
		)
	})
	return batpayRegistry
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.label
		}
	}
	return "rejected"
}

func (m *BatPayMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op, outcomeOf(err)).Inc()
}

func (m *BatPayMetrics) ObserveChallengeResolved(winner string) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(winner).Inc()
}

func (m *BatPayMetrics) SetReserves(pool, fees, escrow uint64) {
	if m == nil {
		return
	}
	m.reserves.WithLabelValues("payment_pool").Set(float64(pool))
	m.reserves.WithLabelValues("locked_fees").Set(float64(fees))
	m.reserves.WithLabelValues("slot_escrow").Set(float64(escrow))
}

func (m *BatPayMetrics) SetTableSizes(accounts, payments, openSlots int) {
	if m == nil {
		return
	}
	m.tables.WithLabelValues("accounts").Set(float64(accounts))
	m.tables.WithLabelValues("payments").Set(float64(payments))
	m.tables.WithLabelValues("open_slots").Set(float64(openSlots))
}
