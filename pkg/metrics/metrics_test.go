package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAddMaterializedTasks(t *testing.T) {
	created := testutil.ToFloat64(MaterializedTasks.WithLabelValues("created"))
	dup := testutil.ToFloat64(MaterializedTasks.WithLabelValues("duplicate"))

	AddMaterializedTasks(3, 1)

	assert.Equal(t, created+3, testutil.ToFloat64(MaterializedTasks.WithLabelValues("created")))
	assert.Equal(t, dup+1, testutil.ToFloat64(MaterializedTasks.WithLabelValues("duplicate")))
}

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(CascadeTransitions.WithLabelValues("milestone", "completed"))
	RecordTransition("milestone", "completed")
	assert.Equal(t, before+1, testutil.ToFloat64(CascadeTransitions.WithLabelValues("milestone", "completed")))
}

func TestRecordRuleFailure(t *testing.T) {
	before := testutil.ToFloat64(RecurrenceRuleFailures)
	RecordRuleFailure()
	assert.Equal(t, before+1, testutil.ToFloat64(RecurrenceRuleFailures))
}
