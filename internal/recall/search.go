package recall

import (
	"context"
	"sort"
)

// rrfK is the reciprocal-rank-fusion constant. Each list contributes
// 1/(k + rank + 1) per candidate; 60 is the value from the original
// RRF paper and keeps any single list from dominating.
const rrfK = 60

// Mode selects which search paths run.
type Mode string

const (
	ModeFTS    Mode = "fts"
	ModeVector Mode = "vector"
	ModeHybrid Mode = "hybrid"
)

// Search runs the requested search mode. In hybrid mode the two ranked
// lists are fused with RRF; a failure in either path is swallowed so
// the other path's results still come back alone.
func (ix *Index) Search(ctx context.Context, query string, k int, mode Mode) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	if mode == "" {
		mode = ModeHybrid
	}

	var ftsResults, vecResults []Result

	if mode == ModeFTS || mode == ModeHybrid {
		res, err := ix.store.SearchFTS(query, k)
		if err != nil {
			ix.logger.Warn("recall: fts search failed", "error", err)
		} else {
			ftsResults = res
		}
	}

	if mode == ModeVector || mode == ModeHybrid {
		if ix.embedder != nil {
			emb, err := ix.embedder.Generate(ctx, query)
			if err != nil {
				ix.logger.Warn("recall: query embedding failed", "error", err)
			} else {
				res, err := ix.store.SearchVector(emb, k)
				if err != nil {
					ix.logger.Warn("recall: vector search failed", "error", err)
				} else {
					vecResults = res
				}
			}
		}
	}

	switch mode {
	case ModeFTS:
		return ftsResults, nil
	case ModeVector:
		return vecResults, nil
	}

	if len(ftsResults) == 0 {
		return vecResults, nil
	}
	if len(vecResults) == 0 {
		return ftsResults, nil
	}
	return fuse(ftsResults, vecResults, k), nil
}

// fuse combines two ranked lists with reciprocal rank fusion. A
// candidate present in both lists is tagged hybrid; otherwise it keeps
// the tag of the list that produced it.
func fuse(fts, vec []Result, k int) []Result {
	type fused struct {
		result  Result
		score   float64
		sources int
	}
	byID := map[int64]*fused{}

	accumulate := func(list []Result) {
		for rank, r := range list {
			f := byID[r.Chunk.ID]
			if f == nil {
				f = &fused{result: r}
				byID[r.Chunk.ID] = f
			}
			f.score += 1.0 / float64(rrfK+rank+1)
			f.sources++
		}
	}
	accumulate(fts)
	accumulate(vec)

	out := make([]Result, 0, len(byID))
	for _, f := range byID {
		r := f.result
		r.Score = f.score
		if f.sources > 1 {
			r.MatchType = MatchHybrid
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
