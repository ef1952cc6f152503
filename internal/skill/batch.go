package skill

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// InitAll initializes managers concurrently. If any fails, every manager in
// the batch is closed before the first error is returned.
func InitAll(ctx context.Context, managers []Manager) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		m := m
		g.Go(func() error {
			return m.Init(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := CloseAll(managers); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	return nil
}

// CloseAll closes every manager, continuing past failures.
func CloseAll(managers []Manager) error {
	var errs []error
	for _, m := range managers {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close skill %s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ToolDefinitions gathers the tools of all managers in order, waiting on
// any that are still initializing.
func ToolDefinitions(ctx context.Context, managers []Manager) ([]checkpoint.ToolDefinition, error) {
	var all []checkpoint.ToolDefinition
	for _, m := range managers {
		defs, err := m.ToolDefinitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", m.Name(), err)
		}
		all = append(all, defs...)
	}
	return all, nil
}

// Index maps manager names to managers.
func Index(managers []Manager) map[string]Manager {
	idx := make(map[string]Manager, len(managers))
	for _, m := range managers {
		idx[m.Name()] = m
	}
	return idx
}
