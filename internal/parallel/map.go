package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls mapFunc for every input with at most limit calls in flight and
// returns the results in input order. The first error cancels the context
// passed to the remaining calls and is returned.
//
//	sizes, err := parallel.Map(ctx, 4, dirs, dirSize)
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	ret := make([]D, len(input))
	for i, entry := range input {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := mapFunc(gctx, entry)
			if err != nil {
				return err
			}
			ret[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}
