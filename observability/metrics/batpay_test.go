package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"batpay/native/batpay"
)

var _ batpay.Metrics = (*BatPayMetrics)(nil)

func TestBatPayMetrics(t *testing.T) {
	m := BatPay()
	require.Same(t, m, BatPay())

	m.ObserveOperation("collect", nil)
	m.ObserveOperation("collect", fmt.Errorf("%w: signed by 0x01", batpay.ErrBadSignature))
	m.ObserveOperation("collect", batpay.ErrAmountTooLarge)
	require.Equal(t, float64(1), testutil.ToFloat64(m.operations.WithLabelValues("collect", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.operations.WithLabelValues("collect", "bad_signature")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.operations.WithLabelValues("collect", "rejected")))

	m.ObserveChallengeResolved(batpay.WinnerChallenger)
	require.Equal(t, float64(1), testutil.ToFloat64(m.resolved.WithLabelValues(batpay.WinnerChallenger)))

	m.SetReserves(10, 2, 600)
	require.Equal(t, float64(600), testutil.ToFloat64(m.reserves.WithLabelValues("slot_escrow")))
	m.SetTableSizes(3, 4, 1)
	require.Equal(t, float64(4), testutil.ToFloat64(m.tables.WithLabelValues("payments")))

	var nilMetrics *BatPayMetrics
	nilMetrics.ObserveOperation("noop", nil)
}
