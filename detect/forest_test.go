package detect

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/model"
)

// clusterData synthesizes nominal cruise telemetry with variance on
// every feature so trees split instead of leafing out on a constant
// column.
func clusterData(rng *rand.Rand, n int) [][]float64 {
	center := []float64{100, 5, 0, -0.5, 0, 0, 9.8, 15.5, -70, 1.5, 4, 0.01, 40}
	spread := []float64{5, 1, 1, 0.3, 0.5, 0.5, 0.2, 0.25, 3, 0.4, 1, 0.005, 5}
	data := make([][]float64, n)
	for i := range data {
		row := make([]float64, featureCount)
		for d := range row {
			row[d] = center[d] + rng.NormFloat64()*spread[d]
		}
		data[i] = row
	}
	return data
}

func TestFitForestInsufficientHistory(t *testing.T) {
	_, err := FitForest(nil, 10, 32, 1)
	assert.ErrorIs(t, err, model.ErrInsufficientHistory)

	_, err = FitForest([][]float64{make([]float64, featureCount)}, 10, 32, 1)
	assert.ErrorIs(t, err, model.ErrInsufficientHistory)
}

func TestForestOutlierScoresAboveInlier(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := clusterData(rng, 400)

	forest, err := FitForest(data, 100, 128, 7)
	require.NoError(t, err)

	inlier := data[0]
	outlier := []float64{9000, 300, -300, 50, 40, 40, 90, 0, -120, 50, 60, 0.9, 5000}

	in := forest.Score(inlier)
	out := forest.Score(outlier)
	assert.Greater(t, out, in)
	assert.Greater(t, out, 0.6, "obvious outlier should cross the anomaly band")
}

func TestForestScoreRange(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := clusterData(rng, 100)
	forest, err := FitForest(data, 50, 64, 3)
	require.NoError(t, err)

	for _, row := range data {
		s := forest.Score(row)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(&model.TelemetrySample{DroneID: "mav-1", Position: &model.Position{AltRel: float64(i)}})
	}
	require.Equal(t, 3, r.Len())
	last := r.Last(3)
	assert.Equal(t, 2.0, last[0].Position.AltRel)
	assert.Equal(t, 4.0, last[2].Position.AltRel)
	assert.Equal(t, 4.0, r.Latest().Position.AltRel)
}
