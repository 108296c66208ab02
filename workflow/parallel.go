package workflow

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Gather runs fn over every element of args concurrently and returns
// the results in input order. Each branch executes as its own step
// named "name[i]", so branches are individually memoized: when one
// branch fails or suspends, completed siblings are not re-executed on
// the next invocation.
//
// Branches must not call suspension primitives themselves; the
// invocation-scoped position counter is not defined under concurrency.
// A branch that needs a sleep or hook belongs in the sequential body.
//
// The first branch error is returned after all branches settle. A
// suspension from any branch propagates like any other.
func Gather[A, R any](c *Context, name string, args []A, fn func(context.Context, A) (R, error), opts ...StepOption) ([]R, error) {
	results := make([]R, len(args))

	var g errgroup.Group
	for i, arg := range args {
		g.Go(func() error {
			r, err := Step(c, fmt.Sprintf("%s[%d]", name, i), arg, fn, opts...)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GatherLimit is Gather with a cap on concurrent branches.
func GatherLimit[A, R any](c *Context, name string, limit int, args []A, fn func(context.Context, A) (R, error), opts ...StepOption) ([]R, error) {
	results := make([]R, len(args))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, arg := range args {
		g.Go(func() error {
			r, err := Step(c, fmt.Sprintf("%s[%d]", name, i), arg, fn, opts...)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
