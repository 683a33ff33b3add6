package runtime

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/manifest"
)

// Boot loads the modules app declares. Cores are loaded in requirement
// order, the Cores of one level concurrently, and each is bound to the
// System manifest.Resolve picks from the catalog. Plugins load last.
// Boot stops at the first failing level; modules loaded so far stay.
func (r *Runtime) Boot(ctx context.Context, app *manifest.App) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	levels, err := app.Levels()
	if err != nil {
		return err
	}
	r.logger.Info("booting app", zap.String("app", app.Name), zap.Int("cores", len(app.Cores)), zap.Int("levels", len(levels)))

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		views := make([]modrt.ViewID, len(level))
		for i, c := range level {
			g.Go(func() error {
				info, err := r.LoadCore(gctx, c.Name)
				if err != nil {
					return err
				}
				views[i] = info.ViewID
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		systems := r.systems(ctx)
		g, gctx = errgroup.WithContext(ctx)
		for i, c := range level {
			g.Go(func() error {
				sys, err := manifest.Resolve(c, views[i], systems)
				if err != nil {
					return err
				}
				r.logger.Info("resolved system", zap.String("core", c.Name), zap.String("system", sys.Name), zap.Stringer("version", sys.Version))
				_, err = r.LoadSystem(gctx, sys.Path)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for _, p := range app.Plugins {
		if _, err := r.LoadSystem(ctx, p); err != nil {
			return errors.New(errors.PhaseRuntime, errors.KindFailed).
				Path("plugins", p).Cause(err).Detail("load plugin").Build()
		}
	}
	return nil
}

// systems lists the System artifacts the loader can see.
func (r *Runtime) systems(ctx context.Context) []manifest.System {
	var out []manifest.System
	for _, info := range r.loader.Catalog(ctx) {
		if info.Role != modrt.RoleSystem && info.Role != modrt.RolePlugin {
			continue
		}
		out = append(out, manifest.System{
			Name:     info.Name,
			Path:     info.Path,
			View:     info.ViewID,
			Version:  info.Version,
			Features: info.Features,
		})
	}
	return out
}
