// Package tokens fabricates completion text. Output is drawn from a fixed
// vocabulary of common English words, selected by a PRNG seeded from the
// request id — so identical requests reproduce identical content and the
// streaming and non-streaming paths agree byte-for-byte.
package tokens

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"
)

// vocabulary holds the filler words. Kept small on purpose: realistic byte
// volumes matter for load tests, linguistic quality does not.
var vocabulary = []string{
	"the", "of", "and", "a", "to", "in", "is", "you", "that", "it",
	"he", "was", "for", "on", "are", "as", "with", "his", "they", "I",
	"at", "be", "this", "have", "from", "or", "one", "had", "by", "word",
	"but", "not", "what", "all", "were", "we", "when", "your", "can", "said",
	"there", "use", "an", "each", "which", "she", "do", "how", "their", "if",
	"will", "up", "other", "about", "out", "many", "then", "them", "these", "so",
	"some", "her", "would", "make", "like", "him", "into", "time", "has", "look",
	"two", "more", "write", "go", "see", "number", "no", "way", "could", "people",
	"my", "than", "first", "water", "been", "call", "who", "oil", "its", "now",
	"find", "long", "down", "day", "did", "get", "come", "made", "may", "part",
}

// Seed derives a deterministic 64-bit seed from a request id.
func Seed(requestID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(requestID))
	return h.Sum64()
}

// Generator emits filler tokens from a seeded PRNG. Not safe for
// concurrent use; each request owns one generator.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a generator for the given seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Next returns the next token including its leading separator, so that
// concatenating tokens yields well-formed text. The first token of a
// sequence has no leading space.
func (g *Generator) Next(index int) string {
	word := vocabulary[g.rng.IntN(len(vocabulary))]
	if index == 0 {
		return word
	}
	return " " + word
}

// Generate returns exactly n tokens.
func (g *Generator) Generate(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Next(i))
	}
	return out
}

// Chance returns true with probability p, consuming one PRNG draw. Used
// for seed-deterministic decisions such as whether to emit tool calls.
func (g *Generator) Chance(p float64) bool {
	return g.rng.Float64() < p
}

// Estimate approximates the token count of text with the ~4 chars/token
// heuristic, floored at the word count so short prompts are not
// undercounted. Empty text is zero tokens.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	byChars := (len(text) + 3) / 4
	byWords := len(strings.Fields(text))
	if byWords > byChars {
		return byWords
	}
	if byChars == 0 {
		return 1
	}
	return byChars
}

// ReasoningBudget returns the reasoning-token count for a target output of
// m tokens: clamp(0.3·m, 20, 500).
func ReasoningBudget(m int) int {
	r := int(float64(m) * 0.3)
	if r < 20 {
		r = 20
	}
	if r > 500 {
		r = 500
	}
	return r
}
