package util

// Levenshtein computes the edit distance between two strings: the number of
// insertions, deletions, and substitutions it takes to transform s1 into s2.
// It is used to suggest the closest existing filename when an expected mate
// file is missing from an input directory.
func Levenshtein(s1, s2 string) int {
	r1 := []byte(s1)
	r2 := []byte(s2)
	if len(r1) == 0 {
		return len(r2)
	}
	if len(r2) == 0 {
		return len(r1)
	}

	// Two-row formulation of the standard dynamic program.
	prev := make([]int, len(r2)+1)
	cur := make([]int, len(r2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(r1); i++ {
		cur[0] = i
		for j := 1; j <= len(r2); j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			min := prev[j-1] + cost // substitution or match
			if v := prev[j] + 1; v < min { // deletion
				min = v
			}
			if v := cur[j-1] + 1; v < min { // insertion
				min = v
			}
			cur[j] = min
		}
		prev, cur = cur, prev
	}
	return prev[len(r2)]
}

// Nearest returns the candidate with the smallest edit distance to target,
// along with that distance. It returns ("", -1) for an empty candidate list.
// Ties resolve to the earliest candidate.
func Nearest(target string, candidates []string) (string, int) {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := Levenshtein(target, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}
