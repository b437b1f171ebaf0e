package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/configurator/pkg/agent"
	"github.com/openfroyo/configurator/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the manifest without changing the host",
		Long: `Validate the manifest section for this host.

This command checks:
  - Manifest syntax (YAML, CUE or Starlark)
  - Schema conformance (modes, non-empty names)
  - Policy compliance (built-in and custom Rego policies)

Nothing on the host is read or modified.`,
		Example: `  # Validate the default manifest for this host
  configurator validate

  # Validate another host's section of a Starlark manifest
  configurator validate --manifest site.star --host db01

  # Validate with a policy switched off
  configurator validate --disable-policy shell-syntax`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
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

			target, result, err := a.Validate(ctx)
			if target == nil || (result == nil && err != nil) {
				return err
			}
			if perr := printValidation(cmd, target, result); perr != nil {
				return perr
			}
			return err
		},
	}

	return cmd
}

func printValidation(cmd *cobra.Command, target *agent.Target, result *policy.Result) error {
	w := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"host":   target.Host,
			"policy": result,
		})
	}

	hm := target.Manifest
	packages := 0
	if hm.Packages != nil {
		packages = len(hm.Packages.Install) + len(hm.Packages.Uninstall)
	}
	fmt.Fprintf(w, "%s: %d packages, %d files, %d commands\n", target.Host, packages, len(hm.Files), len(hm.Commands))

	if result == nil {
		fmt.Fprintln(w, "policy gate disabled")
		return nil
	}
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  [%s] %s: %s (%s)\n", v.Severity, v.Policy, v.Message, v.Resource)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  [warning] %s\n", warning)
	}
	if result.Allowed {
		fmt.Fprintf(w, "%d policies passed\n", len(result.Evaluated))
	} else {
		fmt.Fprintf(w, "denied: %d blocking violations\n", len(result.Blocking()))
	}
	return nil
}
