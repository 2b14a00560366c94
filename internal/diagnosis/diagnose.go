package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/healer/internal/extraction"
	"github.com/fyrsmithlabs/healer/internal/solution"
	"golang.org/x/sync/errgroup"
)

// FileResolver builds the context block for file references.
type FileResolver interface {
	ResolveFileContext(ctx context.Context, refs []string) (string, []extraction.FileContext, error)
}

// Diagnose asks p for a fix per identified file, at most workers at a
// time, and joins the responses in file order with the segment separator.
// The first failing call cancels the rest.
func Diagnose(ctx context.Context, p Provider, resolver FileResolver, files []string, workers int) (string, error) {
	if workers < 1 {
		workers = 1
	}

	responses := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, file := range files {
		g.Go(func() error {
			fileContext, _, err := resolver.ResolveFileContext(gctx, []string{file})
			if err != nil {
				return fmt.Errorf("resolving context for %s: %w", file, err)
			}
			resp, err := p.ProposeFix(gctx, fileContext)
			if err != nil {
				return fmt.Errorf("proposing fix for %s: %w", file, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	return strings.Join(responses, "\n"+solution.SegmentSeparator+"\n"), nil
}
