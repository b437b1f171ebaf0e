package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PackageReconciler installs and uninstalls packages through a PackageManager.
type PackageReconciler struct {
	logger  zerolog.Logger
	manager PackageManager
	purge   bool
}

// NewPackageReconciler creates a package reconciler. purge controls whether
// uninstalls also remove configuration files.
func NewPackageReconciler(logger zerolog.Logger, manager PackageManager, purge bool) *PackageReconciler {
	return &PackageReconciler{
		logger:  logger.With().Str("component", "package").Logger(),
		manager: manager,
		purge:   purge,
	}
}

// Install installs name unless it is already installed.
func (r *PackageReconciler) Install(ctx context.Context, name string) (result Result) {
	start := time.Now()
	result = Result{Type: ResourceTypePackage, ID: name, Action: ActionInstall}
	log := r.logger.With().Str("package", name).Logger()

	defer func() { result.Duration = time.Since(start) }()

	log.Debug().Msgf("Preparing to install package '%s'...", name)
	info, found, err := r.lookup(ctx, log, name)
	if err != nil {
		log.Error().Err(err).Msg("Package lookup failed")
		result.Err = err
		return result
	}
	if !found {
		result.Err = NewResourceNotFoundError(
			fmt.Sprintf("unable to find package '%s' in cache, skipping installation", name), nil).
			WithResource(name).
			WithOperation(ActionInstall)
		log.Error().Msgf("Unable to find package '%s' in cache, skipping installation", name)
		return result
	}
	if info.Installed {
		log.Debug().Str("version", info.Version).Msgf("Package '%s' is already installed", name)
		return result
	}

	log.Debug().Msgf("Installing package '%s'...", name)
	if err := r.manager.Install(ctx, name); err != nil {
		result.Err = NewTransactionError(fmt.Sprintf("package '%s' cannot be installed", name), err).
			WithResource(name).
			WithOperation(ActionInstall)
		log.Error().Err(err).Msgf("Package '%s' cannot be installed", name)
		return result
	}

	result.Changed = true
	result.Actions = []string{ActionInstall}
	log.Info().Msgf("Installation of package '%s' is complete", name)
	return result
}

// Uninstall removes name if it is installed.
func (r *PackageReconciler) Uninstall(ctx context.Context, name string) (result Result) {
	start := time.Now()
	result = Result{Type: ResourceTypePackage, ID: name, Action: ActionUninstall}
	log := r.logger.With().Str("package", name).Logger()

	defer func() { result.Duration = time.Since(start) }()

	log.Debug().Msgf("Preparing to uninstall package '%s'...", name)
	info, found, err := r.lookup(ctx, log, name)
	if err != nil {
		log.Error().Err(err).Msg("Package lookup failed")
		result.Err = err
		return result
	}
	if !found || !info.Installed {
		log.Info().Msgf("Package '%s' is not installed", name)
		return result
	}

	log.Debug().Bool("purge", r.purge).Msgf("Uninstalling package '%s'...", name)
	if err := r.manager.Uninstall(ctx, name, r.purge); err != nil {
		result.Err = NewTransactionError(fmt.Sprintf("package '%s' cannot be uninstalled", name), err).
			WithResource(name).
			WithOperation(ActionUninstall)
		log.Error().Err(err).Msgf("Package '%s' cannot be uninstalled", name)
		return result
	}

	result.Changed = true
	result.Actions = []string{ActionUninstall}
	log.Info().Msgf("Uninstallation of package '%s' is complete", name)
	return result
}

// lookup refreshes the index before every lookup so each decision sees current data.
// A failed refresh is logged and the cached index is used.
func (r *PackageReconciler) lookup(ctx context.Context, log zerolog.Logger, name string) (PackageInfo, bool, error) {
	if err := r.manager.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return PackageInfo{}, false, err
		}
		log.Warn().Err(err).Msg("Failed to refresh package index, using cached index")
	}
	info, found, err := r.manager.Lookup(ctx, name)
	if err != nil {
		return PackageInfo{}, false, NewTransactionError("failed to look up package", err).
			WithResource(name).
			WithOperation("lookup")
	}
	return info, found, nil
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
