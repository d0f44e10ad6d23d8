package matchmaker

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noBlocks(string, string) bool { return false }

func TestDifferenceScore(t *testing.T) {
	cases := []struct {
		name  string
		a, b  Histogram
		score int
		ok    bool
	}{
		{"shared one keyword", Histogram{"x": 5, "y": 2}, Histogram{"x": 4, "z": 1}, 1, true},
		{"no shared keyword", Histogram{"x": 5}, Histogram{"w": 9}, 0, false},
		{"identical", Histogram{"x": 3, "y": 3}, Histogram{"x": 3, "y": 3}, 0, true},
		{"several shared", Histogram{"x": 1, "y": 10}, Histogram{"x": 4, "y": 2}, 11, true},
		{"empty", Histogram{}, Histogram{"x": 1}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, ok := DifferenceScore(tc.a, tc.b)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.score, score)
			}
			rs, rok := DifferenceScore(tc.b, tc.a)
			assert.Equal(t, ok, rok)
			assert.Equal(t, score, rs)
		})
	}
}

func TestCompute_PrefersSharedKeywordOverNone(t *testing.T) {
	hist := map[string]Histogram{
		"A": {"x": 5, "y": 2},
		"B": {"x": 4, "z": 1},
		"C": {"w": 9},
	}
	for seed := uint64(0); seed < 20; seed++ {
		pairs := Compute(hist, noBlocks, rand.New(rand.NewPCG(seed, seed)))
		require.Len(t, pairs, 1, "seed %d", seed)
		assert.Equal(t, Pair{UserA: "A", UserB: "B", Score: 1}, pairs[0], "seed %d", seed)
	}
}

func TestCompute_TieBreakVariesWithSeed(t *testing.T) {
	hist := map[string]Histogram{
		"A": {"x": 1},
		"B": {"x": 1},
		"C": {"x": 1},
		"D": {"x": 1},
	}
	outcomes := make(map[string]bool)
	for seed := uint64(0); seed < 50; seed++ {
		pairs := Compute(hist, noBlocks, rand.New(rand.NewPCG(seed, 7)))
		require.Len(t, pairs, 2)
		for _, p := range pairs {
			if p.UserA == "A" {
				outcomes[p.UserB] = true
			}
		}
	}
	assert.Greater(t, len(outcomes), 1, "A was always paired with the same partner")
}

func TestCompute_RespectsBlocksInBothDirections(t *testing.T) {
	hist := map[string]Histogram{
		"A": {"x": 1},
		"B": {"x": 1},
		"C": {"x": 50},
	}
	blocked := make(blockSet)
	blocked.add("B", "A")

	for seed := uint64(0); seed < 20; seed++ {
		pairs := Compute(hist, blocked.has, rand.New(rand.NewPCG(seed, seed)))
		for _, p := range pairs {
			assert.False(t, blocked.has(p.UserA, p.UserB), "seed %d paired blocked %v", seed, p)
		}
	}
}

func TestCompute_Invariants(t *testing.T) {
	keywords := []string{"k0", "k1", "k2", "k3", "k4", "k5"}
	for seed := uint64(0); seed < 100; seed++ {
		gen := rand.New(rand.NewPCG(seed, 99))
		hist := make(map[string]Histogram)
		for i := 0; i < 2+gen.IntN(30); i++ {
			h := Histogram{}
			for _, k := range keywords {
				if gen.IntN(3) == 0 {
					h[k] = 1 + gen.IntN(10)
				}
			}
			hist[fmt.Sprintf("u%02d", i)] = h
		}
		blocked := make(blockSet)
		for i := 0; i < gen.IntN(15); i++ {
			blocked.add(fmt.Sprintf("u%02d", gen.IntN(30)), fmt.Sprintf("u%02d", gen.IntN(30)))
		}

		pairs := Compute(hist, blocked.has, rand.New(rand.NewPCG(seed, 1)))

		seen := make(map[string]bool)
		for _, p := range pairs {
			assert.Less(t, p.UserA, p.UserB, "seed %d: non-canonical %v", seed, p)
			assert.False(t, seen[p.UserA] || seen[p.UserB], "seed %d: user paired twice in %v", seed, p)
			seen[p.UserA], seen[p.UserB] = true, true
			assert.False(t, blocked.has(p.UserA, p.UserB), "seed %d: blocked pair %v", seed, p)
			score, ok := DifferenceScore(hist[p.UserA], hist[p.UserB])
			assert.True(t, ok, "seed %d: pair without shared keyword %v", seed, p)
			assert.Equal(t, score, p.Score)
		}
	}
}

func TestCompute_IgnoresEmptyHistograms(t *testing.T) {
	hist := map[string]Histogram{
		"A": {"x": 1},
		"B": {},
	}
	assert.Empty(t, Compute(hist, noBlocks, rand.New(rand.NewPCG(1, 1))))
}
