package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/driverkit/driverkit/hotplug"
	"github.com/driverkit/driverkit/loader"
	"github.com/driverkit/driverkit/recovery"
	"github.com/driverkit/driverkit/registry"
	"github.com/driverkit/driverkit/supervisor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	activeTabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type tab int

const (
	tabDevices tab = iota
	tabModules
	tabResources
	tabPatterns
	tabCount
)

var tabNames = [...]string{"Devices", "Modules", "Resources", "Patterns"}

type inspectorModel struct {
	ctx    context.Context
	reg    *registry.Registry
	det    *hotplug.Detector
	mgr    *loader.Manager
	adv    *recovery.Advisor
	sup    *supervisor.Supervisor
	input  textinput.Model
	status string
	active tab
}

func newInspectorModel(ctx context.Context, reg *registry.Registry, det *hotplug.Detector, mgr *loader.Manager, adv *recovery.Advisor, sup *supervisor.Supervisor) *inspectorModel {
	ti := textinput.New()
	ti.Placeholder = "device id, e.g. usb:1-2"
	ti.Prompt = "device: "
	ti.Width = 32
	ti.Focus()

	return &inspectorModel{
		ctx:   ctx,
		reg:   reg,
		det:   det,
		mgr:   mgr,
		adv:   adv,
		sup:   sup,
		input: ti,
	}
}

func (m *inspectorModel) Init() tea.Cmd {
	return textinput.Blink
}

type stepDoneMsg struct{ err error }

func (m *inspectorModel) step() tea.Msg {
	return stepDoneMsg{err: m.sup.Step(m.ctx)}
}

func (m *inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit

		case "tab":
			m.active = (m.active + 1) % tabCount
			return m, nil

		case "ctrl+a", "ctrl+d":
			dev := strings.TrimSpace(m.input.Value())
			if dev == "" {
				m.status = errorStyle.Render("enter a device id first")
				return m, nil
			}
			kind := hotplug.Attached
			verb := "attached"
			if msg.String() == "ctrl+d" {
				kind = hotplug.Detached
				verb = "detached"
			}
			m.det.OnDeviceEvent(m.describe(dev), kind)
			m.status = okStyle.Render(fmt.Sprintf("%s %s (queued)", verb, dev))
			return m, nil

		case "ctrl+s":
			m.status = warnStyle.Render("stepping...")
			return m, m.step
		}

	case stepDoneMsg:
		if msg.err != nil {
			m.status = errorStyle.Render(fmt.Sprintf("step: %v", msg.err))
		} else {
			m.status = okStyle.Render("step complete")
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// describe derives a descriptor from a "bus:rest" device id, defaulting to
// the virtual bus when the prefix names no known bus.
func (m *inspectorModel) describe(dev string) hotplug.DeviceDescriptor {
	bus := hotplug.Virtual
	if i := strings.Index(dev, ":"); i > 0 {
		if b, err := parseBus(dev[:i]); err == nil {
			bus = b
		}
	}
	return hotplug.DeviceDescriptor{
		Device:       hotplug.DeviceID(dev),
		Bus:          bus,
		Capabilities: hotplug.CapHotPluggable,
		Strategy:     hotplug.Interrupt,
	}
}

func (m *inspectorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("driverkit inspector"))
	b.WriteString("  ")
	for i := tab(0); i < tabCount; i++ {
		if i == m.active {
			b.WriteString(activeTabStyle.Render(tabNames[i]))
		} else {
			b.WriteString(tabStyle.Render(" " + tabNames[i] + " "))
		}
	}
	b.WriteString("\n\n")

	switch m.active {
	case tabDevices:
		m.renderDevices(&b)
	case tabModules:
		m.renderModules(&b)
	case tabResources:
		m.renderResources(&b)
	case tabPatterns:
		m.renderPatterns(&b)
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("tab switch • ctrl+a attach • ctrl+d detach • ctrl+s step • ctrl+c quit"))
	return b.String()
}

func (m *inspectorModel) renderDevices(b *strings.Builder) {
	devs := m.det.Devices()
	sort.Slice(devs, func(i, j int) bool { return devs[i].Desc.Device < devs[j].Desc.Device })
	if len(devs) == 0 {
		b.WriteString(helpStyle.Render("no devices seen yet"))
		b.WriteString("\n")
		return
	}
	for _, d := range devs {
		state := d.State.String()
		switch d.State {
		case hotplug.Bound:
			state = okStyle.Render(state)
		case hotplug.Removed, hotplug.Unbinding:
			state = warnStyle.Render(state)
		}
		bound := string(d.BoundModule)
		if bound == "" {
			bound = "-"
		}
		fmt.Fprintf(b, "  %-18s %-10s %-20s att=%d det=%d\n",
			d.Desc.Device, state, bound, d.Attaches, d.Detaches)
	}
	s := m.det.Stats()
	fmt.Fprintf(b, "\n  queued=%d dropped=%d processed=%d\n", s.Queued, s.Dropped, s.Processed)
}

func (m *inspectorModel) renderModules(b *strings.Builder) {
	mods := m.mgr.Modules()
	if len(mods) == 0 {
		b.WriteString(helpStyle.Render("no modules registered"))
		b.WriteString("\n")
		return
	}
	for _, mod := range mods {
		state := mod.State.String()
		switch mod.State {
		case loader.Active:
			state = okStyle.Render(state)
		case loader.Failed:
			state = errorStyle.Render(state)
		}
		fmt.Fprintf(b, "  %-24s %-10s exports=%d imports=%d\n",
			mod.ID, state, len(mod.Exports), len(mod.Imports))
		for sym := range mod.Exports {
			fmt.Fprintf(b, "      %s\n", tabStyle.Render(sym))
		}
	}
	s := m.mgr.Stats()
	fmt.Fprintf(b, "\n  loads=%d unloads=%d rollbacks=%d symbols=%d\n",
		s.Loads, s.Unloads, s.Rollbacks, s.Symbols)
}

func (m *inspectorModel) renderResources(b *strings.Builder) {
	s := m.reg.Stats()
	if s.Total == 0 {
		b.WriteString(helpStyle.Render("no resources tracked"))
		b.WriteString("\n")
	}
	types := make([]registry.Type, 0, len(s.ByType))
	for typ := range s.ByType {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, typ := range types {
		fmt.Fprintf(b, "  %-12s %d\n", typ, s.ByType[typ])
	}
	fmt.Fprintf(b, "\n  total=%d pending=%d leaked=%d\n", s.Total, s.Pending, s.Leaked)
}

func (m *inspectorModel) renderPatterns(b *strings.Builder) {
	pats := m.adv.Patterns()
	sort.Slice(pats, func(i, j int) bool { return pats[i].Observed > pats[j].Observed })
	if len(pats) == 0 {
		b.WriteString(helpStyle.Render("no error patterns learned"))
		b.WriteString("\n")
		return
	}
	for _, p := range pats {
		fmt.Fprintf(b, "  %-40s seen=%d thr=%.2f\n", p.Signature, p.Observed, p.Threshold)
		strategies := make([]recovery.Strategy, 0, len(p.Rates))
		for s := range p.Rates {
			strategies = append(strategies, s)
		}
		sort.Slice(strategies, func(i, j int) bool { return strategies[i] < strategies[j] })
		for _, s := range strategies {
			fmt.Fprintf(b, "      %-14s %.2f\n", s, p.Rates[s])
		}
	}
	s := m.adv.Stats()
	fmt.Fprintf(b, "\n  reports=%d episodes=%d escalations=%d\n", s.Reports, s.Episodes, s.Escalations)
}

func runInteractive(ctx context.Context, reg *registry.Registry, det *hotplug.Detector, mgr *loader.Manager, adv *recovery.Advisor, sup *supervisor.Supervisor) error {
	p := tea.NewProgram(newInspectorModel(ctx, reg, det, mgr, adv, sup), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
