package registry

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/plugin"
)

// StartOperations calls start on every resource implementing it. Resources
// are started in name order and every failure is collected.
func (r *Registry) StartOperations(ctx context.Context) error {
	return r.invokeAll(ctx, plugin.OpStart)
}

// StopOperations calls stop on every resource implementing it.
func (r *Registry) StopOperations(ctx context.Context) error {
	return r.invokeAll(ctx, plugin.OpStop)
}

// PostDisconnectMaintenance runs the post_disconnect operation of every
// resource that registered one. Called after a client session ends.
func (r *Registry) PostDisconnectMaintenance(ctx context.Context) error {
	return r.invokeAll(ctx, plugin.OpPostDisconnect)
}

// Instantiate loads the plugin of every resource.
func (r *Registry) Instantiate(ctx context.Context) error {
	var result *multierror.Error
	for _, d := range r.Descriptors() {
		if _, err := r.ResolveByName(ctx, d.Name); err != nil {
			result = multierror.Append(result, fmt.Errorf("resource %s: %w", d.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func (r *Registry) invokeAll(ctx context.Context, op string) error {
	var result *multierror.Error

	for _, d := range r.Descriptors() {
		inst, err := r.ResolveByName(ctx, d.Name)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("resource %s: %w", d.Name, err))
			continue
		}
		if !inst.HasOperation(op) {
			continue
		}

		logger.Debug("Running %s on resource %s", op, d.Name)
		if _, err := inst.Invoke(ctx, op, nil, nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("resource %s: %s: %w", d.Name, op, err))
		}
	}
	return result.ErrorOrNil()
}
