package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/wippyai/module-runtime/runtime"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// terminalWidth returns the width of stdout, or 0 when it is not a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// renderTable lays rows out under headers, cut to width cells when width
// is positive.
func renderTable(width int, headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return fit(t.Render(), width)
}

// fit cuts every line of s to width terminal cells without splitting a
// character.
func fit(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().MaxWidth(width).Render(s)
}

// printModules writes the module, view and pool tables.
func printModules(w io.Writer, rt *runtime.Runtime) {
	width := terminalWidth()

	var rows [][]string
	var failures []string
	for _, m := range rt.Modules() {
		state := m.State.String()
		if m.Reloads > 0 {
			state = fmt.Sprintf("%s/%d", state, m.Reloads)
		}
		rows = append(rows, []string{m.Name, m.Role.String(), m.Version.String(), state, m.ViewID.String(), m.Path})
		if m.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", m.Name, m.Err))
		}
	}
	fmt.Fprintln(w, renderTable(width, []string{"MODULE", "ROLE", "VERSION", "STATE", "VIEW", "PATH"}, rows))
	for _, f := range failures {
		fmt.Fprintln(w, fit("last error of "+f, width))
	}

	reg := rt.Registry()
	bound := make(map[string]bool)
	for _, id := range reg.ViewModels() {
		bound[id.String()] = true
	}
	rows = rows[:0]
	for _, id := range reg.Views() {
		v, ok := reg.View(id)
		if !ok {
			continue
		}
		rows = append(rows, []string{id.String(), v.Name(), v.APIVersion().String(), v.DataVersion().String(), strconv.FormatBool(bound[id.String()])})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderTable(width, []string{"VIEW", "NAME", "API", "DATA", "BOUND"}, rows))

	if pools := reg.Pools(); len(pools) > 0 {
		rows = rows[:0]
		for _, key := range pools {
			p, ok := reg.Pool(key.View, key.Type)
			if !ok {
				continue
			}
			rows = append(rows, []string{key.String(), strconv.Itoa(p.ActiveCount()), strconv.Itoa(p.RecycledCount())})
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderTable(width, []string{"POOL", "ACTIVE", "RECYCLED"}, rows))
	}

	s := rt.Stats()
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Join([]string{
		fmt.Sprintf("modules %d", s.Modules),
		fmt.Sprintf("bound %d", s.Bound),
		fmt.Sprintf("failed %d", s.Failed),
		fmt.Sprintf("reloads %d", s.Reloads),
		fmt.Sprintf("instances %d", s.Instances),
		fmt.Sprintf("models %d/%d", s.Registry.ActiveModels, s.Registry.RecycledModels),
	}, "  "))
}
