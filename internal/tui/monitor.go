package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/molt/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	highlight    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// --- Types ---

// CallRow is one settled call as observed on the event stream. Calls only
// appear here after the dispatcher has committed or rolled them back.
type CallRow struct {
	ID       string
	Caller   string
	Selector string
	Path     string
	Status   string
	Code     string
	Duration time.Duration
}

type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	calls     []CallRow
	eventLog  []events.Event
	hubEvents chan events.Event

	status    statusMsg
	connected bool
	lastError string

	callTable table.Model
}

// --- Init ---

func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Selector", Width: 22},
			{Title: "Path", Width: 6},
			{Title: "Caller", Width: 16},
			{Title: "ID", Width: 10},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		calls:     make([]CallRow, 0),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		callTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.callTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.status = msg
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	m.callTable, cmd = m.callTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}

	switch e.Type {
	case events.TypeCallCompleted:
		var p events.CallCompleted
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return
		}
		m.pushCall(CallRow{
			ID:       p.CallID,
			Caller:   p.Caller,
			Selector: p.Selector,
			Path:     p.Path,
			Status:   "ok",
			Duration: time.Duration(p.DurationMS) * time.Millisecond,
		})

	case events.TypeCallFailed:
		var p events.CallFailed
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return
		}
		m.pushCall(CallRow{
			ID:       p.CallID,
			Caller:   p.Caller,
			Selector: p.Selector,
			Status:   "failed",
			Code:     p.Code,
		})

	// Header fields refresh on the next status poll anyway; applying these
	// immediately keeps the header in step with the event stream.
	case events.TypeModuleUpgraded:
		var p events.ModuleUpgraded
		if err := json.Unmarshal(e.Data, &p); err == nil && p.Module != "" {
			m.status.Module = p.Module
		}

	case events.TypeOwnershipTransferred:
		var p events.OwnershipTransferred
		if err := json.Unmarshal(e.Data, &p); err == nil && p.New != "" {
			m.status.Owner = p.New
		}

	case events.TypeAuthorityChanged:
		var p events.AuthorityChanged
		if err := json.Unmarshal(e.Data, &p); err == nil && p.New != "" {
			m.status.Authority = p.New
		}
	}
}

// pushCall prepends a settled call, newest first.
func (m *Model) pushCall(row CallRow) {
	m.calls = append([]CallRow{row}, m.calls...)
	if len(m.calls) > 100 {
		m.calls = m.calls[:100]
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.calls))
	for _, c := range m.calls {
		rows = append(rows, m.callToRow(c))
	}
	m.callTable.SetRows(rows)
}

func (m *Model) callToRow(c CallRow) table.Row {
	statusSym := "○"
	switch c.Status {
	case "ok":
		statusSym = statusOK.Render("●")
	case "failed":
		statusSym = statusFailed.Render("∅")
	}

	duration := "-"
	if c.Status == "failed" {
		duration = c.Code
	} else if c.Duration > 0 {
		duration = c.Duration.Round(time.Millisecond).String()
	}

	id := c.ID
	if len(id) > 8 {
		id = id[:8]
	}

	return table.Row{
		statusSym,
		c.Selector,
		c.Path,
		c.Caller,
		id,
		duration,
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	callPane := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Calls"),
			m.callTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	var errBar string
	if m.lastError != "" {
		errBar = statusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := helpStyle.Render(" [q] Quit • [↑/↓] Scroll Calls")

	parts := []string{header, callPane, eventsView}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return docStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	if !m.connected {
		status = statusFailed.Render("UNREACHABLE")
	}

	uptime := time.Duration(m.status.UptimeSeconds) * time.Second

	module := m.status.Module
	if module == "" {
		module = shortRef(m.status.ModuleRef)
	}

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Module: %s", module),
		fmt.Sprintf("Calls: %d", m.status.Calls),
	}

	detail := dimStyle.Render(fmt.Sprintf(" Dispatcher: %s • Authority: %s • Owner: %s",
		m.status.Dispatcher, shortRef(m.status.Authority), shortRef(m.status.Owner)))

	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.JoinHorizontal(lipgloss.Top,
				lipgloss.NewStyle().Width((m.width-4)/4).Render(items[0]),
				lipgloss.NewStyle().Width((m.width-4)/4).Render(items[1]),
				lipgloss.NewStyle().Width((m.width-4)/4).Render(items[2]),
				lipgloss.NewStyle().Width((m.width-4)/4).Render(items[3]),
			),
			detail,
		),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func formatEvent(e events.Event) string {
	ts := dimStyle.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = statusOK
	case strings.HasSuffix(e.Type, ".failed"):
		typeStyle = statusFailed
	case e.Type == events.TypeModuleUpgraded,
		e.Type == events.TypeOwnershipTransferred,
		e.Type == events.TypeAuthorityChanged,
		e.Type == events.TypeInitialized:
		typeStyle = highlight
	default:
		typeStyle = dimStyle
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-22s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e))
}

// eventDesc builds a one-line summary from the event payload.
func eventDesc(e events.Event) string {
	switch e.Type {
	case events.TypeCallCompleted:
		var p events.CallCompleted
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return fmt.Sprintf("[%s] %s via %s in %dms", shortRef(p.CallID), p.Selector, p.Path, p.DurationMS)
		}

	case events.TypeCallFailed:
		var p events.CallFailed
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return fmt.Sprintf("[%s] %s %s: %s", shortRef(p.CallID), p.Selector, p.Code, truncate(p.Error, 40))
		}

	case events.TypeModuleUpgraded:
		var p events.ModuleUpgraded
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return "→ " + p.Module
		}

	case events.TypeOwnershipTransferred, events.TypeAuthorityChanged:
		var p struct {
			Previous string `json:"previous"`
			New      string `json:"new"`
		}
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return fmt.Sprintf("%s → %s", shortRef(p.Previous), shortRef(p.New))
		}

	case events.TypeInitialized:
		var p events.Initialized
		if err := json.Unmarshal(e.Data, &p); err == nil {
			return fmt.Sprintf("version %d", p.Version)
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}

func shortRef(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
