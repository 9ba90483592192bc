package retrieval

import "sort"

// rrfFuse combines independently ranked vector and lexical result lists via
// Reciprocal Rank Fusion: score_rrf = sum(1/(k+rank_i)) over every list a
// candidate appears in. Ties break by vector score, then node id, matching
// the teacher's manager.go fusion call-site shape (RRF/BM25Normalize), though
// the RRF formula itself is the standard IR construction, not ported code.
func rrfFuse(vector, lexical []Result, k int) []Result {
	if k <= 0 {
		k = DefaultRRFK
	}

	type accum struct {
		result     Result
		rrfScore   float64
		vectorScore float64
	}
	byID := make(map[string]*accum, len(vector)+len(lexical))
	order := make([]string, 0, len(vector)+len(lexical))

	for i, r := range vector {
		id := r.Node.ID.String()
		a, ok := byID[id]
		if !ok {
			a = &accum{result: r}
			byID[id] = a
			order = append(order, id)
		}
		a.rrfScore += 1.0 / float64(k+i+1)
		a.vectorScore = r.Score
		a.result.VectorRank = i + 1
	}
	for i, r := range lexical {
		id := r.Node.ID.String()
		a, ok := byID[id]
		if !ok {
			a = &accum{result: r}
			byID[id] = a
			order = append(order, id)
		}
		a.rrfScore += 1.0 / float64(k+i+1)
		a.result.LexicalRank = i + 1
	}

	out := make([]Result, 0, len(order))
	scores := make(map[string]float64, len(order))
	for _, id := range order {
		a := byID[id]
		a.result.Score = a.rrfScore
		scores[id] = a.vectorScore
		out = append(out, a.result)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		idI, idJ := out[i].Node.ID.String(), out[j].Node.ID.String()
		if vi, vj := scores[idI], scores[idJ]; vi != vj {
			return vi > vj
		}
		return idI < idJ
	})
	return out
}
