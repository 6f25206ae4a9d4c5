// Package kvcache implements the simulated KV-cache reuse model: a radix
// tree of fixed-size token blocks with per-worker affinity, LRU-bounded
// per worker, plus the worker-affinity router that scores candidate
// workers by prefix overlap against queue depth.
package kvcache

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// Tokenize maps text to a deterministic token-id sequence. Words are
// lowercased and split on whitespace/punctuation, then hashed with
// FNV-64a. The real tokenizer's merge rules are irrelevant here — only
// determinism and prefix stability matter for cache simulation.
func Tokenize(text string) []uint64 {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'')
	})
	out := make([]uint64, 0, len(fields))
	for _, f := range fields {
		h := fnv.New64a()
		h.Write([]byte(f))
		out = append(out, h.Sum64())
	}
	return out
}

// BlockHashes returns one hash per full block of the token sequence.
// Hashes are hierarchical: block i's hash covers tokens [0, (i+1)·size),
// so two sequences sharing a prefix share exactly the hashes of the fully
// contained blocks. Partial trailing blocks produce no hash.
func BlockHashes(tokens []uint64, blockSize int) []uint64 {
	if blockSize <= 0 {
		return nil
	}
	n := len(tokens) / blockSize
	if n == 0 {
		return nil
	}
	out := make([]uint64, 0, n)
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < n*blockSize; i++ {
		t := tokens[i]
		for b := 0; b < 8; b++ {
			buf[b] = byte(t >> (8 * b))
		}
		h.Write(buf[:])
		if (i+1)%blockSize == 0 {
			out = append(out, h.Sum64())
		}
	}
	return out
}
