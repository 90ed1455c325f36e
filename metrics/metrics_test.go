package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue reads a counter from the registry by name and label values.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != metricPrefix+name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// =============================================================================
// HELPERS
// =============================================================================

func TestHelpers_ConcurrentFirstUse(t *testing.T) {
	// GIVEN helpers called from many goroutines, none of which ran Init
	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			IncRateLimited()
			IncTransition("pay", nil)
			IncEventPublished("SlipWasPaid")
		}()
	}
	wg.Wait()

	// THEN every observation lands on the one registry
	assert.GreaterOrEqual(t, counterValue(t, "http_rate_limited_total", nil), float64(workers))
	assert.GreaterOrEqual(t, counterValue(t, "slip_transitions_total", map[string]string{"transition": "pay", "result": ResultSuccess}), float64(workers))
	assert.GreaterOrEqual(t, counterValue(t, "events_published_total", map[string]string{"name": "SlipWasPaid"}), float64(workers))
}

func TestObserveGenerate_CountsByResult(t *testing.T) {
	byResult := func(result string) float64 {
		return counterValue(t, "slips_generated_total", map[string]string{"result": result})
	}
	created, skipped, failed := byResult(ResultSuccess), byResult(ResultSkipped), byResult(ResultError)

	ObserveGenerate(3, 2, nil, 10*time.Millisecond)
	ObserveGenerate(0, 0, errors.New("boom"), time.Millisecond)

	assert.Equal(t, created+3, byResult(ResultSuccess))
	assert.Equal(t, skipped+2, byResult(ResultSkipped))
	assert.Equal(t, failed+1, byResult(ResultError))
}
