package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	levelStyles = map[string]lipgloss.Style{
		"trace":   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		"debug":   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		"info":    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"warning": lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"error":   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
	componentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Width(10)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(0, 1)
)

// logLine is one parsed logrus JSON record.
type logLine struct {
	Time      string
	Level     string
	Component string
	Msg       string
	Fields    map[string]any
}

func parseLogFile(path string) ([]logLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []logLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var raw map[string]any
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			continue
		}
		l := logLine{Fields: map[string]any{}}
		for k, v := range raw {
			switch k {
			case "time":
				l.Time, _ = v.(string)
			case "level":
				l.Level, _ = v.(string)
			case "component":
				l.Component, _ = v.(string)
			case "msg":
				l.Msg, _ = v.(string)
			default:
				l.Fields[k] = v
			}
		}
		lines = append(lines, l)
	}
	return lines, sc.Err()
}

func renderLine(l logLine) string {
	style, ok := levelStyles[l.Level]
	if !ok {
		style = levelStyles["info"]
	}
	keys := make([]string, 0, len(l.Fields))
	for k := range l.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var fields strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&fields, " %s=%v", k, l.Fields[k])
	}
	return fmt.Sprintf("%s %s %s%s",
		style.Render(fmt.Sprintf("%-7s", l.Level)),
		componentStyle.Render(l.Component),
		l.Msg,
		fields.String())
}

// logviewModel is the Bubble Tea program: a viewport over the rendered log.
type logviewModel struct {
	vp    viewport.Model
	path  string
	count int
	ready bool
}

func (m logviewModel) Init() tea.Cmd { return nil }

func (m logviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		headerHeight := 1
		if !m.ready {
			m.vp = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
			lines, err := parseLogFile(m.path)
			if err != nil {
				m.vp.SetContent(fmt.Sprintf("cannot read %s: %v", m.path, err))
				return m, nil
			}
			m.count = len(lines)
			rendered := make([]string, len(lines))
			for i, l := range lines {
				rendered[i] = renderLine(l)
			}
			m.vp.SetContent(strings.Join(rendered, "\n"))
			m.vp.GotoBottom()
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = msg.Height - headerHeight
		}
	}
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m logviewModel) View() string {
	header := titleStyle.Render(fmt.Sprintf("idosnx log — %s (%d lines, q to quit)", m.path, m.count))
	if !m.ready {
		return header
	}
	return header + "\n" + m.vp.View()
}

func newLogviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logview [file]",
		Short: "Browse the simulator's structured log in a TUI",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.LogFile
			if len(args) == 1 {
				path = args[0]
			}
			_, err := tea.NewProgram(logviewModel{path: path}, tea.WithAltScreen()).Run()
			return err
		},
	}
}
