// Package local registers an embedder that needs no model or network. Words
// and adjacent word pairs are feature-hashed into a fixed-size vector, so
// texts sharing vocabulary land close together.
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	registryembed "github.com/chirino/chat-service/internal/registry/embed"
)

const (
	modelName = "local-hash-384"
	dimension = 384
	// Word pairs count for half as much as single words.
	pairWeight = 0.5
)

// Function words carry no topic and would make every sentence look alike.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be but by do does for from how i in is it
		its me my of on or so that the this to was what when where which who why with you your`) {
		stopWords[w] = struct{}{}
	}
	registryembed.Register(registryembed.Plugin{
		Name: "local",
		Loader: func(context.Context) (registryembed.Embedder, error) {
			return &LocalEmbedder{}, nil
		},
	})
}

type LocalEmbedder struct{}

func (*LocalEmbedder) ModelName() string { return modelName }

func (*LocalEmbedder) Dimension() int { return dimension }

func (*LocalEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var v featureVector
		words := contentWords(text)
		for i, w := range words {
			v.add(w, 1)
			if i > 0 {
				v.add(words[i-1]+" "+w, pairWeight)
			}
		}
		out = append(out, v.normalized())
	}
	return out, nil
}

type featureVector [dimension]float32

// add uses the signed hashing trick: one hash bit picks the sign so
// colliding features tend to cancel instead of piling up.
func (v *featureVector) add(feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	if sum>>63 == 1 {
		weight = -weight
	}
	v[sum%dimension] += weight
}

func (v *featureVector) normalized() []float32 {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	out := make([]float32, dimension)
	if sq == 0 {
		return out
	}
	scale := float32(1 / math.Sqrt(sq))
	for i, x := range v {
		out[i] = x * scale
	}
	return out
}

func contentWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	words := fields[:0]
	for _, f := range fields {
		if _, skip := stopWords[f]; !skip {
			words = append(words, f)
		}
	}
	return words
}

var _ registryembed.Embedder = (*LocalEmbedder)(nil)
