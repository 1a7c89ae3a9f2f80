package core

import "math"

// EmbeddingDimensions is the vector size produced by the default embedding
// model (text-embedding-3-small).
const EmbeddingDimensions = 1536

// CosineDistance returns the cosine distance between two vectors in [0,2].
// Mismatched lengths and zero-magnitude vectors yield the maximum distance so
// degenerate candidates never rank.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp rounding drift outside [-1,1].
	cos = math.Max(-1, math.Min(1, cos))
	return 1 - cos
}

// CosineSimilarity returns 1 - CosineDistance, i.e. a value in [-1,1] where 1
// means identical direction.
func CosineSimilarity(a, b []float32) float64 {
	return 1 - CosineDistance(a, b)
}
