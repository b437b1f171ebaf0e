package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/configurator/pkg/engine"
)

func newServicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"service"},
		Short:   "Control system services",
		Long: `Start, stop, reload, restart or query a service through the detected
service manager (systemctl, or the SysV service command).`,
		Example: `  configurator services restart nginx
  configurator services status postgresql`,
	}

	ops := []struct {
		verb  string
		short string
		run   func(*engine.ServiceController, context.Context, engine.ServiceHandle) error
	}{
		{"start", "Start a service", (*engine.ServiceController).Start},
		{"stop", "Stop a service", (*engine.ServiceController).Stop},
		{"reload", "Reload a service's configuration", (*engine.ServiceController).Reload},
		{"restart", "Restart a service", (*engine.ServiceController).Restart},
	}
	for _, op := range ops {
		cmd.AddCommand(&cobra.Command{
			Use:   op.verb + " <name>",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withServices(cmd, func(ctx context.Context, svc *engine.ServiceController) error {
					return op.run(svc, ctx, engine.ServiceHandle{Name: args[0]})
				})
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <name>",
		Short: "Show the state of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc *engine.ServiceController) error {
				state, err := svc.Status(ctx, engine.ServiceHandle{Name: args[0]})
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"service": args[0], "state": state})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
				return err
			})
		},
	})

	return cmd
}

func withServices(cmd *cobra.Command, fn func(context.Context, *engine.ServiceController) error) (err error) {
	ctx := cmd.Context()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	a, err := s.agent(ctx)
	if err != nil {
		return err
	}
	svc, err := a.Services()
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}
