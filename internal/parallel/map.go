package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of fn for one item.
type Outcome[D any] struct {
	Value D
	Err   error
}

// Run calls fn for every item with at most limit calls at once and waits
// for all of them. Outcomes keep the order of items. A failure of one item
// does not stop the others, a canceled ctx does: items which were not
// started yet get ctx.Err().
func Run[E, D any](ctx context.Context, limit int, items []E, fn func(context.Context, E) (D, error)) []Outcome[D] {
	out := make([]Outcome[D], len(items))
	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			out[i].Value, out[i].Err = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
