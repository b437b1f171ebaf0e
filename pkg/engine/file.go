package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/configurator/pkg/manifest"
)

// defaultFilePerm is used when content or clone creates a new file.
const defaultFilePerm fs.FileMode = 0o644

// FileReconciler converges files toward their declared content and metadata.
type FileReconciler struct {
	logger   zerolog.Logger
	fs       FileSystem
	ids      IdentityResolver
	services *ServiceController
}

// NewFileReconciler creates a file reconciler.
func NewFileReconciler(logger zerolog.Logger, fsys FileSystem, ids IdentityResolver, services *ServiceController) *FileReconciler {
	return &FileReconciler{
		logger:   logger.With().Str("component", "file").Logger(),
		fs:       fsys,
		ids:      ids,
		services: services,
	}
}

// stepOutcome is what a single attribute step did.
type stepOutcome struct {
	applied   bool
	refreshed bool
}

// fileStep applies one declared attribute. present reports whether the spec declares it.
type fileStep struct {
	name    string
	present func(manifest.FileSpec) bool
	apply   func(r *FileReconciler, ctx context.Context, path string, spec manifest.FileSpec) (stepOutcome, error)
}

// fileSteps is the fixed attribute order.
var fileSteps = []fileStep{
	{
		name:    "content",
		present: func(s manifest.FileSpec) bool { return s.Content != nil },
		apply:   (*FileReconciler).applyContent,
	},
	{
		name:    "clone",
		present: func(s manifest.FileSpec) bool { return s.Clone != nil },
		apply:   (*FileReconciler).applyClone,
	},
	{
		name:    "mode",
		present: func(s manifest.FileSpec) bool { return s.Mode != nil },
		apply:   (*FileReconciler).applyMode,
	},
	{
		name:    "owner",
		present: func(s manifest.FileSpec) bool { return s.Owner != nil },
		apply:   (*FileReconciler).applyOwner,
	},
	{
		name:    "group",
		present: func(s manifest.FileSpec) bool { return s.Group != nil },
		apply:   (*FileReconciler).applyGroup,
	},
}

// Apply converges one file entry. A failing attribute is recorded and the
// remaining attributes are still applied. Restart targets are restarted once
// each, and only when content or clone rewrote the file.
func (r *FileReconciler) Apply(ctx context.Context, entry manifest.FileEntry) Result {
	start := time.Now()
	result := Result{Type: ResourceTypeFile, ID: entry.Path}
	log := r.logger.With().Str("path", entry.Path).Logger()

	var (
		refreshed bool
		errs      []error
	)
	for _, step := range fileSteps {
		if !step.present(entry.Spec) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out, err := step.apply(r, ctx, entry.Path, entry.Spec)
		if err != nil {
			log.Error().Err(err).Str("attribute", step.name).Msg("Failed to apply file attribute")
			errs = append(errs, err)
			continue
		}
		if out.applied {
			result.Actions = append(result.Actions, step.name)
		}
		if out.refreshed {
			refreshed = true
			result.Changed = true
		} else if out.applied && step.name == "mode" {
			result.Changed = true
		}
	}

	if refreshed {
		result.Actions = append(result.Actions, r.services.RestartAll(ctx, restartSet(entry.Spec.Restart))...)
	}

	result.Err = errors.Join(errs...)
	result.Duration = time.Since(start)
	return result
}

func (r *FileReconciler) applyContent(_ context.Context, path string, spec manifest.FileSpec) (stepOutcome, error) {
	r.logger.Debug().Str("path", path).Msgf("Preparing to update contents of %s...", path)

	want := []byte(*spec.Content)
	if r.currentHash(path) == sha256.Sum256(want) {
		r.logger.Debug().Str("path", path).Msgf("Contents update to %s not required", path)
		return stepOutcome{}, nil
	}

	if err := r.fs.WriteFile(path, want, defaultFilePerm); err != nil {
		return stepOutcome{}, NewTransactionError("failed to write file contents", err).
			WithResource(path).
			WithOperation("content")
	}
	r.logger.Info().Str("path", path).Msgf("Updated contents of %s", path)
	return stepOutcome{applied: true, refreshed: true}, nil
}

func (r *FileReconciler) applyClone(_ context.Context, path string, spec manifest.FileSpec) (stepOutcome, error) {
	src := *spec.Clone
	r.logger.Debug().Str("path", path).Str("source", src).Msgf("Preparing to clone %s to %s...", src, path)

	if _, err := r.fs.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stepOutcome{}, NewResourceNotFoundError(
				fmt.Sprintf("the file %s doesn't exist, please check your config", src), nil).
				WithResource(path).
				WithOperation("clone")
		}
		return stepOutcome{}, NewTransactionError("failed to stat clone source", err).
			WithResource(path).
			WithOperation("clone")
	}

	data, err := r.fs.ReadFile(src)
	if err != nil {
		return stepOutcome{}, NewTransactionError("failed to read clone source", err).
			WithResource(path).
			WithOperation("clone")
	}
	if r.currentHash(path) == sha256.Sum256(data) {
		r.logger.Debug().Str("path", path).Msgf("The checksums of %s and %s match, no action required", src, path)
		return stepOutcome{}, nil
	}

	if err := r.fs.WriteFile(path, data, defaultFilePerm); err != nil {
		return stepOutcome{}, NewTransactionError("failed to copy clone source", err).
			WithResource(path).
			WithOperation("clone")
	}
	r.logger.Info().Str("path", path).Str("source", src).Msgf("Contents of %s are copied to %s", src, path)
	return stepOutcome{applied: true, refreshed: true}, nil
}

func (r *FileReconciler) applyMode(_ context.Context, path string, spec manifest.FileSpec) (stepOutcome, error) {
	want, err := spec.Mode.Perm()
	if err != nil {
		return stepOutcome{}, NewTransactionError("invalid mode", err).WithResource(path).WithOperation("mode")
	}

	info, err := r.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Debug().Str("path", path).Msg("File does not exist, mode left unset")
			return stepOutcome{}, nil
		}
		return stepOutcome{}, NewTransactionError("failed to stat file", err).WithResource(path).WithOperation("mode")
	}

	current := permBits(info.Mode())
	if current == want {
		return stepOutcome{}, nil
	}

	r.logger.Info().
		Str("path", path).
		Str("from", formatPerm(current)).
		Str("to", formatPerm(want)).
		Msgf("Changing %s mode from: %s to: %s", path, formatPerm(current), formatPerm(want))
	if err := r.fs.Chmod(path, want); err != nil {
		return stepOutcome{}, NewTransactionError("failed to change mode", err).WithResource(path).WithOperation("mode")
	}
	return stepOutcome{applied: true}, nil
}

func (r *FileReconciler) applyOwner(_ context.Context, path string, spec manifest.FileSpec) (stepOutcome, error) {
	if !r.exists(path) {
		return stepOutcome{}, nil
	}
	uid, err := r.ids.LookupUser(*spec.Owner)
	if err != nil {
		return stepOutcome{}, NewResourceNotFoundError(fmt.Sprintf("unknown user %s", *spec.Owner), err).
			WithResource(path).
			WithOperation("owner")
	}
	if err := r.fs.Chown(path, uid, -1); err != nil {
		return stepOutcome{}, NewTransactionError("failed to change owner", err).WithResource(path).WithOperation("owner")
	}
	return stepOutcome{applied: true}, nil
}

func (r *FileReconciler) applyGroup(_ context.Context, path string, spec manifest.FileSpec) (stepOutcome, error) {
	if !r.exists(path) {
		return stepOutcome{}, nil
	}
	gid, err := r.ids.LookupGroup(*spec.Group)
	if err != nil {
		return stepOutcome{}, NewResourceNotFoundError(fmt.Sprintf("unknown group %s", *spec.Group), err).
			WithResource(path).
			WithOperation("group")
	}
	if err := r.fs.Chown(path, -1, gid); err != nil {
		return stepOutcome{}, NewTransactionError("failed to change group", err).WithResource(path).WithOperation("group")
	}
	return stepOutcome{applied: true}, nil
}

// currentHash hashes the file at path. An unreadable file hashes as no content,
// which never matches a declared value.
func (r *FileReconciler) currentHash(path string) [sha256.Size]byte {
	data, err := r.fs.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(data)
}

func (r *FileReconciler) exists(path string) bool {
	_, err := r.fs.Stat(path)
	return err == nil
}

// permBits keeps permission and special bits, dropping the file type.
func permBits(m fs.FileMode) fs.FileMode {
	return m & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
}

// formatPerm renders a mode in octal, including special bits, e.g. "0755" or "4755".
func formatPerm(m fs.FileMode) string {
	v := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		v |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		v |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		v |= 0o1000
	}
	return fmt.Sprintf("%04o", v)
}
