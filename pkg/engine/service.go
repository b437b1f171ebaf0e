package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ServiceController drives service lifecycle operations through a ServiceManager.
// It keeps no state; every call reaches the service manager.
type ServiceController struct {
	logger   zerolog.Logger
	manager  ServiceManager
	observer Observer
}

// NewServiceController creates a controller. observer may be nil.
func NewServiceController(logger zerolog.Logger, manager ServiceManager, observer Observer) *ServiceController {
	return &ServiceController{
		logger:   logger.With().Str("component", "service").Logger(),
		manager:  manager,
		observer: observer,
	}
}

type serviceOp struct {
	verb, progressive, past string
	call                    func(ServiceManager, context.Context, string) error
}

var (
	opStart   = serviceOp{"start", "Starting", "Started", ServiceManager.Start}
	opStop    = serviceOp{"stop", "Stopping", "Stopped", ServiceManager.Stop}
	opReload  = serviceOp{"reload", "Reloading", "Reloaded", ServiceManager.Reload}
	opRestart = serviceOp{"restart", "Restarting", "Restarted", ServiceManager.Restart}
)

// Start starts the service.
func (c *ServiceController) Start(ctx context.Context, svc ServiceHandle) error {
	return c.do(ctx, opStart, svc)
}

// Stop stops the service.
func (c *ServiceController) Stop(ctx context.Context, svc ServiceHandle) error {
	return c.do(ctx, opStop, svc)
}

// Reload reloads the service.
func (c *ServiceController) Reload(ctx context.Context, svc ServiceHandle) error {
	return c.do(ctx, opReload, svc)
}

// Restart restarts the service.
func (c *ServiceController) Restart(ctx context.Context, svc ServiceHandle) error {
	err := c.do(ctx, opRestart, svc)
	if c.observer != nil {
		c.observer.ObserveRestart(svc.Name, err)
	}
	return err
}

// Status returns the active state reported by the service manager.
func (c *ServiceController) Status(ctx context.Context, svc ServiceHandle) (string, error) {
	state, err := c.manager.Status(ctx, svc.Name)
	if err != nil {
		return "", fmt.Errorf("failed to get status of service %s: %w", svc.Name, err)
	}
	return state, nil
}

// RestartAll restarts every handle in order and returns the actions performed.
// Failures are logged and do not stop the remaining restarts.
func (c *ServiceController) RestartAll(ctx context.Context, handles []ServiceHandle) []string {
	actions := make([]string, 0, len(handles))
	for _, svc := range handles {
		if err := c.Restart(ctx, svc); err != nil {
			continue
		}
		actions = append(actions, "restart:"+svc.Name)
	}
	return actions
}

func (c *ServiceController) do(ctx context.Context, op serviceOp, svc ServiceHandle) error {
	c.logger.Info().Str("service", svc.Name).Msgf("%s service %s...", op.progressive, svc.Name)
	if err := op.call(c.manager, ctx, svc.Name); err != nil {
		c.logger.Error().Err(err).Str("service", svc.Name).Msgf("Failed to %s service %s", op.verb, svc.Name)
		return NewTransactionError(fmt.Sprintf("failed to %s service %s", op.verb, svc.Name), err).
			WithResource(svc.Name).
			WithOperation(op.verb)
	}
	c.logger.Info().Str("service", svc.Name).Msgf("%s service %s", op.past, svc.Name)
	return nil
}
