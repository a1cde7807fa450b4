package overlay

import (
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// LayerSource opens the already-decompressed tar stream for one lower
// layer. Analyze calls it once per layer, in parallel.
type LayerSource func() (io.ReadCloser, error)

// Analyze parses every layer source in parallel (order-independent — each
// archive is parsed standalone) and then merges the results sequentially
// in lower-to-upper order, matching the spec's parse/merge split: parsing
// is embarrassingly parallel, merging must see archives oldest-first.
func Analyze(sources []LayerSource, workers int) (*LowerAnalysis, error) {
	if workers < 1 {
		workers = 1
	}

	parsed := make([]*ParsedArchive, len(sources))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, open := range sources {
		i, open := i, open
		g.Go(func() error {
			rc, err := open()
			if err != nil {
				return fmt.Errorf("opening lower layer %d: %w", i, err)
			}
			defer rc.Close()

			pa, err := ParseTar(rc)
			if err != nil {
				return fmt.Errorf("parsing lower layer %d: %w", i, err)
			}
			parsed[i] = pa
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Merge(parsed), nil
}
