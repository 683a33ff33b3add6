package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/reload"
	"github.com/wippyai/module-runtime/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	stateStyles = map[runtime.ModuleState]lipgloss.Style{
		runtime.Loading:   lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")),
		runtime.Loaded:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA")),
		runtime.Bound:     lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98")),
		runtime.Reloading: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")),
		runtime.Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
	}

	resultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

const maxEvents = 8

// transitionFeed formats reload transitions into events, dropping them when
// the dashboard falls behind.
func transitionFeed(events chan<- string) reload.Observer {
	return func(t reload.Transition) {
		line := fmt.Sprintf("%s %s %s -> %s", time.Now().Format("15:04:05"), t.View, t.From, t.To)
		if t.Err != nil {
			line += ": " + t.Err.Error()
		}
		select {
		case events <- line:
		default:
		}
	}
}

type dashMode int

const (
	modeList dashMode = iota
	modeCall
)

type dashboard struct {
	ctx      context.Context
	rt       *runtime.Runtime
	events   <-chan string
	modules  []runtime.ModuleInfo
	stats    runtime.Stats
	log      []string
	input    textinput.Model
	status   string
	err      error
	selected int
	mode     dashMode
	watching bool
}

type tickMsg time.Time

type eventMsg string

type actionMsg struct {
	status string
	err    error
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (d *dashboard) waitEvent() tea.Msg {
	select {
	case e := <-d.events:
		return eventMsg(e)
	case <-d.ctx.Done():
		return nil
	}
}

func (d *dashboard) Init() tea.Cmd {
	d.refresh()
	return tea.Batch(tick(), d.waitEvent)
}

func (d *dashboard) refresh() {
	d.modules = d.rt.Modules()
	d.stats = d.rt.Stats()
	if d.selected >= len(d.modules) {
		d.selected = max(0, len(d.modules)-1)
	}
}

func (d *dashboard) current() (runtime.ModuleInfo, bool) {
	if d.selected < len(d.modules) {
		return d.modules[d.selected], true
	}
	return runtime.ModuleInfo{}, false
}

func (d *dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if d.mode == modeCall {
			return d.updateCall(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return d, tea.Quit
		case "up", "k":
			if d.selected > 0 {
				d.selected--
			}
		case "down", "j":
			if d.selected < len(d.modules)-1 {
				d.selected++
			}
		case "r":
			if m, ok := d.current(); ok {
				return d, d.reload(m.Name)
			}
		case "u":
			if m, ok := d.current(); ok {
				return d, d.unload(m.Name)
			}
		case "c":
			return d, d.checkpoint
		case "enter":
			if m, ok := d.current(); ok && m.Role != modrt.RoleCore && m.State == runtime.Bound {
				d.input = textinput.New()
				d.input.Prompt = "call> "
				d.input.Placeholder = "method arg arg..."
				d.input.Width = 40
				d.input.Focus()
				d.mode = modeCall
			}
		}

	case tickMsg:
		d.refresh()
		return d, tick()

	case eventMsg:
		d.log = append(d.log, string(msg))
		if len(d.log) > maxEvents {
			d.log = d.log[len(d.log)-maxEvents:]
		}
		return d, d.waitEvent

	case actionMsg:
		d.status, d.err = msg.status, msg.err
		d.refresh()
	}
	return d, nil
}

func (d *dashboard) updateCall(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		d.mode = modeList
		return d, nil
	case "enter":
		d.mode = modeList
		m, _ := d.current()
		return d, d.call(m.ViewID, d.input.Value())
	}
	var cmd tea.Cmd
	d.input, cmd = d.input.Update(msg)
	return d, cmd
}

func (d *dashboard) reload(name string) tea.Cmd {
	return func() tea.Msg {
		info, err := d.rt.Reload(d.ctx, name)
		return actionMsg{status: fmt.Sprintf("reloaded %s (%d reloads)", name, info.Reloads), err: err}
	}
}

func (d *dashboard) unload(name string) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{status: "unloaded " + name, err: d.rt.Unload(d.ctx, name)}
	}
}

func (d *dashboard) checkpoint() tea.Msg {
	if d.rt.Store() == nil {
		return actionMsg{status: "no state store configured"}
	}
	return actionMsg{status: "state checkpointed", err: d.rt.Checkpoint(d.ctx)}
}

func (d *dashboard) call(view modrt.ViewID, line string) tea.Cmd {
	return func() tea.Msg {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return actionMsg{}
		}
		args, err := parseArgs(strings.Join(fields[1:], ","))
		if err != nil {
			return actionMsg{err: err}
		}
		inv, err := runtime.ViewModelAs[modrt.Invoker](d.rt, view)
		if err != nil {
			return actionMsg{err: err}
		}
		out, err := inv.Call(d.ctx, fields[0], args...)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: fmt.Sprintf("%s = %s", line, formatResults(out))}
	}
}

func (d *dashboard) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Module Runtime"))
	if d.watching {
		b.WriteString(" watching")
	}
	b.WriteString("\n\n")

	for i, m := range d.modules {
		state := stateStyles[m.State].Render(fmt.Sprintf("%-9s", m.State))
		line := fmt.Sprintf("%-20s %-7s %-10s %s reloads=%d", m.Name, m.Role, m.Version, state, m.Reloads)
		if i == d.selected {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
		if m.Err != nil && i == d.selected {
			b.WriteString(errorStyle.Render("    " + m.Err.Error()))
			b.WriteString("\n")
		}
	}

	s := d.stats
	fmt.Fprintf(&b, "\nviews %d  bound %d  pools %d  models %d/%d  instances %d\n",
		s.Registry.Views, s.Registry.Bound, s.Registry.Pools,
		s.Registry.ActiveModels, s.Registry.RecycledModels, s.Instances)

	if len(d.log) > 0 {
		b.WriteString("\n")
		for _, e := range d.log {
			b.WriteString(eventStyle.Render(e))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	switch {
	case d.mode == modeCall:
		b.WriteString(d.input.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter call • esc back"))
	default:
		if d.err != nil {
			b.WriteString(errorStyle.Render("Error: " + d.err.Error()))
			b.WriteString("\n")
		} else if d.status != "" {
			b.WriteString(resultStyle.Render(d.status))
			b.WriteString("\n")
		}
		b.WriteString(helpStyle.Render("↑/↓ select • r reload • u unload • c checkpoint • enter call • q quit"))
	}
	return b.String()
}

func runDashboard(ctx context.Context, rt *runtime.Runtime, events chan string, watch bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := &dashboard{ctx: ctx, rt: rt, events: events, watching: watch}
	if watch {
		go func() {
			if err := rt.Watch(ctx); err != nil {
				select {
				case events <- "watch stopped: " + err.Error():
				default:
				}
			}
		}()
	}

	p := tea.NewProgram(d, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
