package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/wippyai/fibers/classfile"
)

// NewBrowseCommand creates the browse command.
func NewBrowseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "browse <file.fbc>...",
		Short: "Browse methods and call sites interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := readUnits(args)
			if err != nil {
				return err
			}
			p := tea.NewProgram(newBrowseModel(units), tea.WithAltScreen(),
				tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout()))
			_, err = p.Run()
			return err
		},
	}
}

type browseKeys struct {
	Up     key.Binding
	Down   key.Binding
	Open   key.Binding
	Back   key.Binding
	Filter key.Binding
	Quit   key.Binding
}

var defaultBrowseKeys = browseKeys{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Open:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open")),
	Back:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Filter: key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type browseState int

const (
	stateList browseState = iota
	stateFilter
	stateDetail
)

// browseEntry is one method of one unit.
type browseEntry struct {
	class  *classfile.Class
	method *classfile.Method
}

func (e browseEntry) title() string {
	return e.class.Name + "." + e.method.Signature()
}

type browseModel struct {
	keys     browseKeys
	entries  []browseEntry
	visible  []int
	filter   textinput.Model
	selected int
	state    browseState
}

func newBrowseModel(units []unit) *browseModel {
	m := &browseModel{keys: defaultBrowseKeys}
	for _, u := range units {
		for _, meth := range u.class.Methods {
			m.entries = append(m.entries, browseEntry{class: u.class, method: meth})
		}
	}
	m.filter = textinput.New()
	m.filter.Prompt = "/"
	m.filter.Placeholder = "class or method"
	m.filter.Width = 40
	m.applyFilter()
	return m
}

func (m *browseModel) applyFilter() {
	q := strings.TrimSpace(m.filter.Value())
	m.visible = m.visible[:0]
	for i, e := range m.entries {
		if q == "" || strings.Contains(e.title(), q) {
			m.visible = append(m.visible, i)
		}
	}
	if m.selected >= len(m.visible) {
		m.selected = max(0, len(m.visible)-1)
	}
}

func (m *browseModel) current() (browseEntry, bool) {
	if len(m.visible) == 0 {
		return browseEntry{}, false
	}
	return m.entries[m.visible[m.selected]], true
}

func (m *browseModel) Init() tea.Cmd {
	return nil
}

func (m *browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	if m.state == stateFilter {
		switch {
		case key.Matches(km, m.keys.Open), key.Matches(km, m.keys.Back):
			m.filter.Blur()
			m.state = stateList
			return m, nil
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		m.applyFilter()
		return m, cmd
	}

	switch {
	case key.Matches(km, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(km, m.keys.Up):
		if m.state == stateList && m.selected > 0 {
			m.selected--
		}
	case key.Matches(km, m.keys.Down):
		if m.state == stateList && m.selected < len(m.visible)-1 {
			m.selected++
		}
	case key.Matches(km, m.keys.Open):
		if _, ok := m.current(); ok && m.state == stateList {
			m.state = stateDetail
		}
	case key.Matches(km, m.keys.Back):
		m.state = stateList
	case key.Matches(km, m.keys.Filter):
		if m.state == stateList {
			m.state = stateFilter
			return m, m.filter.Focus()
		}
	}
	return m, nil
}

func (m *browseModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("fiberc browse"))
	b.WriteString("\n\n")

	switch m.state {
	case stateList, stateFilter:
		if m.state == stateFilter || m.filter.Value() != "" {
			b.WriteString(m.filter.View())
			b.WriteString("\n\n")
		}
		if len(m.visible) == 0 {
			b.WriteString(helpStyle.Render("no methods"))
			b.WriteString("\n")
		}
		for i, idx := range m.visible {
			e := m.entries[idx]
			line := e.title()
			if e.method.Instrumented != nil {
				line += fmt.Sprintf(" [%d sites]", len(e.method.Instrumented.Sites))
			}
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter open • / filter • q quit"))

	case stateDetail:
		e, _ := m.current()
		b.WriteString(methodStyle.Render(e.title()))
		b.WriteString("\n\n")
		if info := e.method.Instrumented; info != nil {
			for i, s := range info.Sites {
				fmt.Fprintf(&b, "  state %-3d %-6d -> %-6d %s\n", i+1, s.Pre, s.Post, targetStyle.Render(s.Target.String()))
			}
			b.WriteString("\n")
		}
		for i, ins := range e.method.Code {
			if ins.Op == classfile.OpLabel {
				fmt.Fprintf(&b, "  %s\n", ins)
				continue
			}
			if e.method.Offsets != nil {
				fmt.Fprintf(&b, "    %5d  %s\n", e.method.Offsets[i], ins)
			} else {
				fmt.Fprintf(&b, "    %s\n", ins)
			}
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("esc back • q quit"))
	}
	return b.String()
}
