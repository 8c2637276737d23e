package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/shopcore/pkg/errs"
)

// FirstSuccess calls each provider in order and stops at the first
// success. Every failure is passed to onFailure; when no provider succeeds
// the failures are joined under an all_providers_failed error.
func FirstSuccess[T any](ctx context.Context, providers []Provider, call func(context.Context, Provider) (T, error), onFailure func(Provider, error)) (Provider, T, error) {
	var zero T
	if len(providers) == 0 {
		return nil, zero, errs.New(errs.CodeAllProvidersFailed, "no payment provider is enabled")
	}

	var failures []error
	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		res, err := call(ctx, p)
		if err == nil {
			return p, res, nil
		}
		if onFailure != nil {
			onFailure(p, err)
		}
		failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, zero, errs.Wrap(errs.CodeAllProvidersFailed, errors.Join(failures...), "all payment providers failed")
}
