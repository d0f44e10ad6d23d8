package matchmaker

import (
	"math/rand/v2"
	"sort"
)

// Histogram maps keyword to spoken count for one user.
type Histogram map[string]int

// Pair is one committed pairing. UserA < UserB.
type Pair struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
	Score int    `json:"score"`
}

// DifferenceScore sums |a(k) - b(k)| over keywords both users have. ok is
// false when no keyword is shared; such users are never paired.
func DifferenceScore(a, b Histogram) (score int, ok bool) {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k, ca := range a {
		cb, shared := b[k]
		if !shared {
			continue
		}
		ok = true
		if ca > cb {
			score += ca - cb
		} else {
			score += cb - ca
		}
	}
	return score, ok
}

// Compute greedily pairs users by lowest difference score. Users are visited
// in a shuffled order and ties among best candidates are broken with rng, so
// neither input order nor map order decides a tie. blocked must be
// symmetric.
func Compute(histograms map[string]Histogram, blocked func(a, b string) bool, rng *rand.Rand) []Pair {
	ids := make([]string, 0, len(histograms))
	for id, h := range histograms {
		if len(h) > 0 {
			ids = append(ids, id)
		}
	}
	// Fix the base order so the seed alone determines the shuffle.
	sort.Strings(ids)
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	matched := make(map[string]bool, len(ids))
	var pairs []Pair
	var candidates []string

	for _, a := range ids {
		if matched[a] {
			continue
		}
		best := -1
		candidates = candidates[:0]
		for _, b := range ids {
			if b == a || matched[b] || blocked(a, b) {
				continue
			}
			score, ok := DifferenceScore(histograms[a], histograms[b])
			if !ok {
				continue
			}
			switch {
			case best < 0 || score < best:
				best = score
				candidates = append(candidates[:0], b)
			case score == best:
				candidates = append(candidates, b)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		b := candidates[rng.IntN(len(candidates))]
		matched[a], matched[b] = true, true
		pairs = append(pairs, canonical(a, b, best))
	}
	return pairs
}

func canonical(a, b string, score int) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{UserA: a, UserB: b, Score: score}
}

type pairKey struct{ a, b string }

// blockSet is the symmetric closure of the directed block edges.
type blockSet map[pairKey]struct{}

func (s blockSet) add(a, b string) {
	if b < a {
		a, b = b, a
	}
	s[pairKey{a, b}] = struct{}{}
}

func (s blockSet) has(a, b string) bool {
	if b < a {
		a, b = b, a
	}
	_, ok := s[pairKey{a, b}]
	return ok
}
