package workflow

// maxSuggestDistance bounds how far a "did you mean" candidate may be from
// the unknown identifier.
const maxSuggestDistance = 2

// closestMatch returns the candidate with the smallest edit distance to name,
// provided that distance is at most maxSuggestDistance. Ties resolve to the
// lexicographically smaller candidate so suggestions are deterministic.
// Returns "" when nothing is close enough.
func closestMatch(name string, candidates []string) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, c := range candidates {
		d := editDistance(name, c)
		if d < bestDist || (d == bestDist && best != "" && c < best) {
			best = c
			bestDist = d
		}
	}
	if bestDist > maxSuggestDistance {
		return ""
	}
	return best
}

// editDistance is the Levenshtein distance between a and b, using a two-row
// dynamic program.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
