package storage

import (
	"context"
	"iter"
	"math"
)

type candidatePage func(ctx context.Context, after int64, limit int) ([]Candidate, error)

// pagedCandidates walks candidates by keyset pagination on user id. No
// connection is held between pages, so the consumer may block while sending.
func pagedCandidates(ctx context.Context, pageSize, maxTotal int, fetch candidatePage) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		after := int64(math.MinInt64)
		emitted := 0
		for {
			n := pageSize
			if maxTotal > 0 && maxTotal-emitted < n {
				n = maxTotal - emitted
			}
			if n <= 0 {
				return
			}
			page, err := fetch(ctx, after, n)
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
				after = c.UserID
				emitted++
			}
			if len(page) < n {
				return
			}
		}
	}
}
