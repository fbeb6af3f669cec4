package detect

import (
	"math"
	"math/rand"

	"fleetgate/model"
)

// IsolationForest scores samples by expected path length in random
// partition trees: shorter paths mean easier to isolate, i.e. more
// anomalous. Fitting is offline; incremental update is a full retrain
// on the rolling window.
type IsolationForest struct {
	trees     []*itreeNode
	subsample int
	cn        float64 // c(subsample), the average BST path normalizer
}

type itreeNode struct {
	// internal node
	splitAttr int
	splitVal  float64
	left      *itreeNode
	right     *itreeNode

	// external node
	size int
	leaf bool
}

// avgPathLength is c(n): the average path length of an unsuccessful
// BST search among n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	const euler = 0.5772156649
	return 2*(math.Log(f-1)+euler) - 2*(f-1)/f
}

// FitForest builds a forest from the sample matrix. Standard
// parameters: 100 trees, subsample 256, depth cap ceil(log2(subsample)).
func FitForest(data [][]float64, trees, subsample int, seed int64) (*IsolationForest, error) {
	if trees <= 0 {
		trees = 100
	}
	if subsample <= 0 {
		subsample = 256
	}
	if len(data) < 2 {
		return nil, model.ErrInsufficientHistory
	}
	if subsample > len(data) {
		subsample = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample))))

	rng := rand.New(rand.NewSource(seed))
	f := &IsolationForest{
		trees:     make([]*itreeNode, 0, trees),
		subsample: subsample,
		cn:        avgPathLength(subsample),
	}
	for i := 0; i < trees; i++ {
		sample := make([][]float64, subsample)
		for j := range sample {
			sample[j] = data[rng.Intn(len(data))]
		}
		f.trees = append(f.trees, buildTree(sample, 0, maxDepth, rng))
	}
	return f, nil
}

func buildTree(data [][]float64, depth, maxDepth int, rng *rand.Rand) *itreeNode {
	if depth >= maxDepth || len(data) <= 1 {
		return &itreeNode{leaf: true, size: len(data)}
	}

	dims := len(data[0])
	attr := rng.Intn(dims)

	lo, hi := data[0][attr], data[0][attr]
	for _, row := range data[1:] {
		if row[attr] < lo {
			lo = row[attr]
		}
		if row[attr] > hi {
			hi = row[attr]
		}
	}
	if lo == hi {
		return &itreeNode{leaf: true, size: len(data)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range data {
		if row[attr] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &itreeNode{
		splitAttr: attr,
		splitVal:  split,
		left:      buildTree(left, depth+1, maxDepth, rng),
		right:     buildTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(x []float64, node *itreeNode, depth float64) float64 {
	if node.leaf {
		return depth + avgPathLength(node.size)
	}
	if x[node.splitAttr] < node.splitVal {
		return pathLength(x, node.left, depth+1)
	}
	return pathLength(x, node.right, depth+1)
}

// Score returns the anomaly score of x in [0,1]. Scores above ~0.6
// indicate anomalies.
func (f *IsolationForest) Score(x []float64) float64 {
	if len(f.trees) == 0 || f.cn == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.trees {
		sum += pathLength(x, t, 0)
	}
	avg := sum / float64(len(f.trees))
	return math.Pow(2, -avg/f.cn)
}
