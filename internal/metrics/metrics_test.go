package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/linkpost/internal/models"
)

func TestQueueCollector(t *testing.T) {
	t.Parallel()

	collector := NewQueueCollector(func(context.Context) (models.JobCounts, error) {
		return models.JobCounts{Waiting: 3, Active: 1, Completed: 7, Failed: 2}, nil
	}, time.Second)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	expected := `
# HELP linkpost_queue_jobs Jobs currently held by the queue, by state
# TYPE linkpost_queue_jobs gauge
linkpost_queue_jobs{state="active"} 1
linkpost_queue_jobs{state="completed"} 7
linkpost_queue_jobs{state="failed"} 2
linkpost_queue_jobs{state="waiting"} 3
# HELP linkpost_queue_up Whether the queue store answered the last scrape
# TYPE linkpost_queue_up gauge
linkpost_queue_up 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestQueueCollector_StoreDown(t *testing.T) {
	t.Parallel()

	collector := NewQueueCollector(func(context.Context) (models.JobCounts, error) {
		return models.JobCounts{}, errors.New("connection refused")
	}, time.Second)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	expected := `
# HELP linkpost_queue_up Whether the queue store answered the last scrape
# TYPE linkpost_queue_up gauge
linkpost_queue_up 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}
