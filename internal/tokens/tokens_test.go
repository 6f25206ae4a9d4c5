package tokens

import (
	"strings"
	"testing"
)

func TestGenerator_DeterministicForSameSeed(t *testing.T) {
	a := NewGenerator(Seed("req-1")).Generate(50)
	b := NewGenerator(Seed("req-1")).Generate(50)
	if strings.Join(a, "") != strings.Join(b, "") {
		t.Fatal("same seed must produce identical token sequences")
	}
}

func TestGenerator_DifferentSeedsDiverge(t *testing.T) {
	a := NewGenerator(Seed("req-1")).Generate(50)
	b := NewGenerator(Seed("req-2")).Generate(50)
	if strings.Join(a, "") == strings.Join(b, "") {
		t.Fatal("different seeds should produce different sequences")
	}
}

func TestGenerator_ExactCount(t *testing.T) {
	for _, n := range []int{0, 1, 10, 500} {
		got := NewGenerator(1).Generate(n)
		if len(got) != n {
			t.Fatalf("Generate(%d) returned %d tokens", n, len(got))
		}
	}
}

func TestGenerator_SeparatorPlacement(t *testing.T) {
	toks := NewGenerator(7).Generate(5)
	if strings.HasPrefix(toks[0], " ") {
		t.Error("first token must not carry a leading space")
	}
	for i := 1; i < len(toks); i++ {
		if !strings.HasPrefix(toks[i], " ") {
			t.Errorf("token %d missing leading space", i)
		}
	}
	joined := strings.Join(toks, "")
	if strings.Contains(joined, "  ") {
		t.Error("joined text must not contain double spaces")
	}
}

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 1},
		{"Hello", 2},                   // 5 chars → ceil(5/4)
		{"a b c d e f g h i j", 10},    // word count dominates
		{strings.Repeat("x", 400), 100}, // chars dominate
	}
	for _, c := range cases {
		if got := Estimate(c.text); got != c.want {
			t.Errorf("Estimate(%.12q…) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestReasoningBudget_Clamps(t *testing.T) {
	if got := ReasoningBudget(10); got != 20 {
		t.Errorf("ReasoningBudget(10) = %d, want floor 20", got)
	}
	if got := ReasoningBudget(100); got != 30 {
		t.Errorf("ReasoningBudget(100) = %d, want 30", got)
	}
	if got := ReasoningBudget(10_000); got != 500 {
		t.Errorf("ReasoningBudget(10000) = %d, want cap 500", got)
	}
}
