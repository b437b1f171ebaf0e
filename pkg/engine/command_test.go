package engine

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/configurator/pkg/manifest"
)

func newCommandFixture(logger zerolog.Logger) (*CommandReconciler, *fakeRunner, *fakeServices) {
	runner := newFakeRunner()
	services := newFakeServices()
	ctrl := NewServiceController(logger, services, nil)
	return NewCommandReconciler(logger, runner, ctrl), runner, services
}

func TestCommandReconciler_GuardSemantics(t *testing.T) {
	tests := []struct {
		name         string
		guardExit    int
		wantArgv     [][]string
		wantSkipped  bool
		wantRestarts []string
	}{
		{
			name:      "guard satisfied runs the command",
			guardExit: 0,
			wantArgv: [][]string{
				{"test", "-d", "/tmp/d"},
				{"rm", "-rf", "/tmp/d"},
			},
			wantRestarts: []string{"svc"},
		},
		{
			name:      "guard unsatisfied skips the command",
			guardExit: 1,
			wantArgv: [][]string{
				{"test", "-d", "/tmp/d"},
			},
			wantSkipped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r, runner, services := newCommandFixture(zerolog.New(&buf))
			runner.codes["test -d /tmp/d"] = tt.guardExit

			result := r.Apply(context.Background(), manifest.CommandEntry{
				Command: "rm -rf /tmp/d",
				Spec: manifest.CommandSpec{
					OnlyIf:  strPtr("test -d /tmp/d"),
					Restart: []string{"svc"},
				},
			})

			if !reflect.DeepEqual(runner.calls, tt.wantArgv) {
				t.Errorf("argv = %v, want %v", runner.calls, tt.wantArgv)
			}
			if result.Skipped != tt.wantSkipped {
				t.Errorf("Skipped = %v, want %v", result.Skipped, tt.wantSkipped)
			}
			if !reflect.DeepEqual(services.restarts(), tt.wantRestarts) {
				t.Errorf("restarts = %v, want %v", services.restarts(), tt.wantRestarts)
			}
			if tt.wantSkipped {
				if !IsGuardUnsatisfied(result.Err) {
					t.Errorf("expected guard error, got %v", result.Err)
				}
				if result.Failed() {
					t.Error("a skipped command is not a failure")
				}
				if !strings.Contains(buf.String(), "wasn't satisfied") {
					t.Errorf("log does not mention the unsatisfied requirement: %s", buf.String())
				}
				if !strings.Contains(buf.String(), `"level":"error"`) {
					t.Errorf("unsatisfied requirement should log at error level: %s", buf.String())
				}
			}
		})
	}
}

func TestCommandReconciler_RestartGating(t *testing.T) {
	tests := []struct {
		name         string
		exitCode     int
		spawnErr     error
		wantChanged  bool
		wantRestarts []string
	}{
		{name: "success restarts", exitCode: 0, wantChanged: true, wantRestarts: []string{"nginx"}},
		{name: "failure does not restart", exitCode: 2},
		{name: "spawn failure does not restart", spawnErr: errors.New("executable file not found in $PATH")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, runner, services := newCommandFixture(testLogger())
			runner.codes["nginx -t"] = tt.exitCode
			if tt.spawnErr != nil {
				runner.spawnErr["nginx -t"] = tt.spawnErr
			}

			result := r.Apply(context.Background(), manifest.CommandEntry{
				Command: "nginx -t",
				Spec:    manifest.CommandSpec{Restart: []string{"nginx"}},
			})

			if result.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", result.Changed, tt.wantChanged)
			}
			if !reflect.DeepEqual(services.restarts(), tt.wantRestarts) {
				t.Errorf("restarts = %v, want %v", services.restarts(), tt.wantRestarts)
			}
			if !tt.wantChanged && !IsTransactionError(result.Err) {
				t.Errorf("expected transaction error, got %v", result.Err)
			}
			if tt.spawnErr != nil && !strings.Contains(result.Err.Error(), "status 127") {
				t.Errorf("spawn failure should map to 127: %v", result.Err)
			}
		})
	}
}

func TestCommandReconciler_GuardSpawnFailureSkips(t *testing.T) {
	r, runner, _ := newCommandFixture(testLogger())
	runner.spawnErr["missing-binary"] = errors.New("not found")

	result := r.Apply(context.Background(), manifest.CommandEntry{
		Command: "echo hi",
		Spec:    manifest.CommandSpec{OnlyIf: strPtr("missing-binary")},
	})
	if !result.Skipped || len(runner.calls) != 1 {
		t.Errorf("main command must not run, calls=%v", runner.calls)
	}
	if !strings.Contains(result.Err.Error(), "exit 127") {
		t.Errorf("error = %v", result.Err)
	}
}

func TestCommandReconciler_Tokenization(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{line: `echo "hello world"`, want: []string{"echo", "hello world"}},
		{line: `printf 'a b' c\ d`, want: []string{"printf", "a b", "c d"}},
		{line: `ls | grep x > out`, want: []string{"ls", "|", "grep", "x", ">", "out"}},
		{line: "touch   /tmp/a\t/tmp/b", want: []string{"touch", "/tmp/a", "/tmp/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r, runner, _ := newCommandFixture(testLogger())
			r.Apply(context.Background(), manifest.CommandEntry{Command: tt.line})
			if len(runner.calls) != 1 || !reflect.DeepEqual(runner.calls[0], tt.want) {
				t.Errorf("argv = %q, want %q", runner.calls, tt.want)
			}
		})
	}
}

func TestCommandReconciler_UnparsableCommand(t *testing.T) {
	r, runner, _ := newCommandFixture(testLogger())
	result := r.Apply(context.Background(), manifest.CommandEntry{Command: `echo "unterminated`})
	if result.Err == nil || len(runner.calls) != 0 {
		t.Errorf("expected tokenize error without running, err=%v calls=%v", result.Err, runner.calls)
	}
}
