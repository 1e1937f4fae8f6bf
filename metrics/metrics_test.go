package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alarab/profit-engine/metrics"
)

func TestAddMoney_IgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(metrics.ProfitCreditedTotal)

	metrics.AddMoney(metrics.ProfitCreditedTotal, decimal.RequireFromString("12.50"))
	metrics.AddMoney(metrics.ProfitCreditedTotal, decimal.Zero)
	metrics.AddMoney(metrics.ProfitCreditedTotal, decimal.NewFromInt(-3))

	assert.InDelta(t, before+12.5, testutil.ToFloat64(metrics.ProfitCreditedTotal), 1e-9)
}

func TestConflictCounter_IncrementsOperationLabel(t *testing.T) {
	c := metrics.StoreConflictsTotal.WithLabelValues("claim-test")
	before := testutil.ToFloat64(c)

	inc := metrics.ConflictCounter("claim-test")
	inc()
	inc()

	assert.Equal(t, before+2, testutil.ToFloat64(c))
}
