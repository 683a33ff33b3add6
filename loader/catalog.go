package loader

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/blang/semver/v4"
	"go.uber.org/zap"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
)

// Info describes an available artifact without loading it.
type Info struct {
	Name     string
	Path     string
	Role     modrt.Role
	ViewID   modrt.ViewID
	Version  semver.Version
	Features []string
}

// Catalog lists the wasm artifacts in the search paths and the registered
// builtins. Wasm artifacts are described from their descriptor section
// without being compiled; builtins are constructed and closed again. Go
// plugins are not listed since opening one cannot be undone. Artifacts that
// fail to describe themselves are logged and skipped.
func (l *Loader) Catalog(ctx context.Context) []Info {
	var out []Info
	for _, dir := range l.searchPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".wasm" {
				continue
			}
			path := filepath.Join(dir, e.Name())
			info, err := describeWasm(path)
			if err != nil {
				l.logger.Debug("skipping artifact", zap.String("path", path), zap.Error(err))
				continue
			}
			out = append(out, info)
		}
	}

	for _, name := range Builtins() {
		path := BuiltinPrefix + name
		ex, err := BuiltinOpener{}.Open(ctx, path)
		if err != nil {
			l.logger.Debug("skipping builtin", zap.String("name", name), zap.Error(err))
			continue
		}
		out = append(out, describeExport(path, ex))
		if ex.Close != nil {
			_ = ex.Close()
		}
	}

	slices.SortStableFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func describeWasm(path string) (Info, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	d, err := artifact.ReadDescriptor(wasm)
	if err != nil {
		return Info{}, err
	}
	role, err := d.ParsedRole()
	if err != nil {
		return Info{}, err
	}
	v, err := d.ParsedVersion()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Name:     d.Name,
		Path:     path,
		Role:     role,
		ViewID:   d.ViewIDValue(),
		Version:  v,
		Features: d.Features,
	}, nil
}

func describeExport(path string, ex *modrt.Export) Info {
	info := Info{
		Name:     ex.Name,
		Path:     path,
		Role:     ex.Role,
		Version:  ex.Version,
		Features: ex.Features,
	}
	switch {
	case ex.View != nil:
		info.ViewID = ex.View.ViewID()
	case ex.ViewModel != nil:
		info.ViewID = ex.ViewModel.ViewID()
	}
	return info
}
