package upstream

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Gather GETs each path in order, one at a time. A failed path is recorded
// as its error string and never stops the batch.
func (g *Gateway) Gather(ctx context.Context, paths ...string) *Object {
	results := orderedmap.New[string, any](len(paths))
	for _, path := range paths {
		outcome, err := g.Get(ctx, path)
		if err != nil {
			results.Set(path, err.Error())
			continue
		}
		results.Set(path, outcome)
	}
	return results
}
