package manifest

import (
	"slices"

	"github.com/wippyai/module-runtime/errors"
)

// Levels groups the Cores into load batches. Each Core's requirements are
// all in earlier batches, so Cores within one batch can load in parallel.
// Declaration order is kept inside a batch. A requirement cycle is a
// KindCycle error whose path lists the cycle.
func (a *App) Levels() ([][]Core, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	pending := make(map[string]int, len(a.Cores))
	for _, c := range a.Cores {
		pending[c.Name] = len(c.Requires)
	}
	dependents := make(map[string][]string)
	for _, c := range a.Cores {
		for _, r := range c.Requires {
			dependents[r] = append(dependents[r], c.Name)
		}
	}

	var levels [][]Core
	placed := 0
	for placed < len(a.Cores) {
		var level []Core
		for _, c := range a.Cores {
			if n, ok := pending[c.Name]; ok && n == 0 {
				level = append(level, c)
			}
		}
		if len(level) == 0 {
			return nil, errors.New(errors.PhaseManifest, errors.KindCycle).
				Path(a.cycle(pending)...).Detail("cores require each other").Build()
		}
		for _, c := range level {
			delete(pending, c.Name)
			for _, d := range dependents[c.Name] {
				pending[d]--
			}
		}
		placed += len(level)
		levels = append(levels, level)
	}
	return levels, nil
}

// Order flattens Levels.
func (a *App) Order() ([]Core, error) {
	levels, err := a.Levels()
	if err != nil {
		return nil, err
	}
	var out []Core
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}

// cycle walks requirements among the unplaced cores until a name repeats
// and returns the loop, first name repeated at the end.
func (a *App) cycle(pending map[string]int) []string {
	var start string
	for _, c := range a.Cores {
		if _, ok := pending[c.Name]; ok {
			start = c.Name
			break
		}
	}
	var path []string
	for cur := start; ; {
		if i := slices.Index(path, cur); i >= 0 {
			return append(path[i:], cur)
		}
		path = append(path, cur)
		c, _ := a.Core(cur)
		next := ""
		for _, r := range c.Requires {
			if _, ok := pending[r]; ok {
				next = r
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}
