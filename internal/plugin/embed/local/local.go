// Package local implements a dependency-free Embedder: a hashed
// bag-of-tokens vector, good enough to exercise the vector-search
// plumbing without calling out to an embedding API.
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	registryembed "github.com/fieldnote/memoryd/internal/registry/embed"
)

const (
	modelName     = "hashed-bow-v1"
	vectorDimension = 384
)

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "local",
		Loader: func(_ context.Context) (registryembed.Embedder, error) {
			return &HashEmbedder{}, nil
		},
	})
}

// HashEmbedder embeds text by hashing each token into one of
// vectorDimension buckets and L2-normalizing the resulting counts.
type HashEmbedder struct{}

func (e *HashEmbedder) ModelName() string { return modelName }
func (e *HashEmbedder) Dimension() int    { return vectorDimension }

func (e *HashEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text)
	}
	return out, nil
}

func hashVector(text string) []float32 {
	vec := make([]float32, vectorDimension)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum64()%uint64(vectorDimension))]++
	}

	var sumSq float32
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return vec
	}
	inv := 1 / float32(math.Sqrt(float64(sumSq)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func tokenize(text string) []string {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsNumber(r))
	})
}

var _ registryembed.Embedder = (*HashEmbedder)(nil)
