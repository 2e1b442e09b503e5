package policy

import (
	"hash/fnv"
	"math"

	"github.com/clawinfra/evovariant/internal/types"
)

const (
	taskBuckets = 16
	// FeatureDim is the length of every context vector.
	FeatureDim = taskBuckets + 3 + 2
)

// Features builds the fixed-length context vector: a hashed one-hot of the
// task type, a one-hot of the complexity tier, a squashed file count and a
// bias term. Hashing keeps the length fixed when task types are added at
// runtime.
func Features(taskType string, complexity types.Complexity, fileCount int) []float64 {
	x := make([]float64, FeatureDim)

	h := fnv.New32a()
	h.Write([]byte(taskType))
	x[h.Sum32()%taskBuckets] = 1

	c := int(complexity)
	if c < 0 || c > 2 {
		c = int(types.ComplexityMedium)
	}
	x[taskBuckets+c] = 1

	x[taskBuckets+3] = 1 - math.Exp(-float64(max(fileCount, 0))/5)
	x[taskBuckets+4] = 1
	return x
}
