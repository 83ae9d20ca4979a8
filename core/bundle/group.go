package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/AvaProtocol/ap-bundler/model"
)

// Group runs one builder per configured entry point as a single bundling step.
type Group []*Builder

// BuildAndSubmit gives every builder a turn. It returns one result per submitted bundle, in
// entry point order, together with the joined errors of the builders that failed.
func (g Group) BuildAndSubmit(ctx context.Context, force bool) ([]*model.BundleResult, error) {
	var (
		results []*model.BundleResult
		errs    []error
	)
	for _, b := range g {
		r, err := b.BuildAndSubmit(ctx, force)
		if err != nil {
			errs = append(errs, fmt.Errorf("entrypoint %s: %w", b.EntryPoint().Hex(), err))
		}
		if r != nil {
			results = append(results, r)
		}
	}
	return results, errors.Join(errs...)
}
