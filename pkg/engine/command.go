package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/openfroyo/configurator/pkg/manifest"
)

// ExitSpawnFailed is the exit status recorded when a process cannot be started.
const ExitSpawnFailed = 127

// CommandReconciler runs commands, optionally guarded by an onlyif check.
type CommandReconciler struct {
	logger   zerolog.Logger
	runner   CommandRunner
	services *ServiceController
}

// NewCommandReconciler creates a command reconciler.
func NewCommandReconciler(logger zerolog.Logger, runner CommandRunner, services *ServiceController) *CommandReconciler {
	return &CommandReconciler{
		logger:   logger.With().Str("component", "command").Logger(),
		runner:   runner,
		services: services,
	}
}

// Apply runs one command entry. With an onlyif guard the command runs only if
// the guard exits 0. Restart targets are restarted once each, and only when
// the command itself exits 0.
func (r *CommandReconciler) Apply(ctx context.Context, entry manifest.CommandEntry) (result Result) {
	start := time.Now()
	result = Result{Type: ResourceTypeCommand, ID: entry.Command}
	log := r.logger.With().Str("command", entry.Command).Logger()

	defer func() { result.Duration = time.Since(start) }()

	log.Debug().Msgf("Executing '%s'", entry.Command)

	if entry.Spec.OnlyIf != nil {
		guard := *entry.Spec.OnlyIf
		log.Debug().Str("onlyif", guard).Msgf("Executing the requirement '%s'", guard)
		code, err := r.execute(ctx, guard)
		if err != nil {
			result.Err = err
			return result
		}
		if code != 0 {
			result.Skipped = true
			result.Err = NewGuardUnsatisfiedError(entry.Command, code).WithOperation("onlyif")
			log.Error().Int("exit_code", code).Msgf("Requirement to execute '%s' wasn't satisfied", entry.Command)
			return result
		}
		result.Actions = append(result.Actions, "onlyif")
	}

	code, err := r.execute(ctx, entry.Command)
	if err != nil {
		result.Err = err
		return result
	}
	result.Actions = append(result.Actions, "run")
	if code != 0 {
		result.Err = NewTransactionError(fmt.Sprintf("command '%s' exited with status %d", entry.Command, code), nil).
			WithResource(entry.Command).
			WithOperation("run")
		log.Error().Int("exit_code", code).Msgf("Command '%s' failed", entry.Command)
		return result
	}

	result.Changed = true
	log.Info().Msgf("Executed '%s'", entry.Command)
	result.Actions = append(result.Actions, r.services.RestartAll(ctx, restartSet(entry.Spec.Restart))...)
	return result
}

// execute splits line into words and runs it without a shell. It returns an
// error only when line cannot be tokenized; spawn failures become ExitSpawnFailed.
func (r *CommandReconciler) execute(ctx context.Context, line string) (int, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		r.logger.Error().Err(err).Str("command", line).Msg("Cannot tokenize command")
		return 0, NewTransactionError(fmt.Sprintf("cannot tokenize '%s'", line), err).WithResource(line)
	}
	if len(argv) == 0 {
		r.logger.Error().Str("command", line).Msg("Empty command")
		return 0, NewTransactionError("empty command", nil).WithResource(line)
	}

	code, err := r.runner.Run(ctx, argv)
	if err != nil {
		r.logger.Error().Err(err).Strs("argv", argv).Msg("Failed to spawn process")
		return ExitSpawnFailed, nil
	}
	r.logger.Debug().Strs("argv", argv).Int("exit_code", code).Msg("Process exited")
	return code, nil
}
