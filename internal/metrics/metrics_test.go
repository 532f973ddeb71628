package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDegraded(t *testing.T) {
	before := testutil.ToFloat64(DegradedTotal.WithLabelValues("search"))
	RecordDegraded("search")
	RecordDegraded("search")
	assert.Equal(t, before+2, testutil.ToFloat64(DegradedTotal.WithLabelValues("search")))
}

func TestCollectorsRegistered(t *testing.T) {
	ObservationsTotal.WithLabelValues("auth", "local").Inc()
	PromotionsTotal.WithLabelValues("confirmed", "auto").Inc()
	BatchesExportedTotal.WithLabelValues("urgent").Inc()

	assert.Equal(t, 1, testutil.CollectAndCount(ObservationsTotal, "substrate_observations_total"))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(PromotionsTotal), 1)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(BatchesExportedTotal), 1)
}
