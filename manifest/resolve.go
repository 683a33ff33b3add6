package manifest

import (
	"slices"
	"strings"

	"github.com/blang/semver/v4"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
)

// System describes an available System artifact.
type System struct {
	Name string
	// Path is where the artifact was found; the loader accepts it as a name.
	Path     string
	View     modrt.ViewID
	Version  semver.Version
	Features []string
}

func (s System) provides(features []string) bool {
	for _, f := range features {
		if !slices.Contains(s.Features, f) {
			return false
		}
	}
	return true
}

// Resolve picks the System implementing c. view is the ViewID of c's loaded
// Core. Preferences are tried in order and the first name with a fitting
// System wins; among Systems of one name the highest version is taken. A
// Core without preferences takes the highest fitting version of any name.
func Resolve(c Core, view modrt.ViewID, available []System) (System, error) {
	rng, err := c.Range()
	if err != nil {
		return System{}, err
	}
	fits := func(s System) bool {
		return s.View == view && s.provides(c.Features) && rng(s.Version)
	}

	if len(c.Systems) == 0 {
		if s, ok := best(available, fits); ok {
			return s, nil
		}
	}
	for _, name := range c.Systems {
		s, ok := best(available, func(s System) bool { return s.Name == name && fits(s) })
		if ok {
			return s, nil
		}
	}

	b := errors.New(errors.PhaseManifest, errors.KindNotFound).Path("cores", c.Name)
	switch {
	case len(c.Systems) > 0:
		b.Detail("none of %s implements %s with features [%s] in range %q",
			strings.Join(c.Systems, ", "), view, strings.Join(c.Features, " "), c.Version)
	default:
		b.Detail("no system implements %s with features [%s] in range %q",
			view, strings.Join(c.Features, " "), c.Version)
	}
	return System{}, b.Build()
}

// best returns the highest-versioned system accepted by keep. Equal
// versions are broken by name.
func best(available []System, keep func(System) bool) (System, bool) {
	var out System
	found := false
	for _, s := range available {
		if !keep(s) {
			continue
		}
		if !found || s.Version.GT(out.Version) || (s.Version.EQ(out.Version) && s.Name < out.Name) {
			out, found = s, true
		}
	}
	return out, found
}
