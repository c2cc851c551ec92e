package intelligence

import "math"

// CosineSimilarity calculates the cosine similarity between two vectors.
//
// The result ranges from -1 (opposite) to 1 (identical). Vectors of
// mismatched dimension or zero norm yield 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizeVector normalizes a vector to unit length (L2 norm).
// A zero-norm vector is returned unchanged.
func NormalizeVector(v []float64) []float64 {
	var sum float64
	for _, val := range v {
		sum += val * val
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}

	result := make([]float64, len(v))
	for i, val := range v {
		result[i] = val / norm
	}
	return result
}
