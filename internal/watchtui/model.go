// Package watchtui is the full-screen view over a running loop
// session. It consumes the events channel produced either by an
// in-process run or by a daemon attach client; the model itself does
// not know which side of the socket it is on.
package watchtui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/render"
	"github.com/taskloop/taskloop/internal/theme"
)

// Config seeds the watch model with session identity known before the
// first event arrives.
type Config struct {
	ProjectName   string
	SessionID     string
	AgentType     string
	TaskRef       string
	MaxIterations int

	// Attached marks a daemon attach: quitting detaches instead of
	// cancelling, and cancel travels over the socket.
	Attached bool

	// OnCancel asks the run to stop. Invoked at most once.
	OnCancel func()
}

// Result is how the watch ended, reported to the caller after the
// program exits.
type Result struct {
	Iterations int
	Reason     string
	Err        error

	// Detached is set when the viewer left while the run kept going.
	Detached bool
}

// Transcript chunk kinds. Message and thought deltas buffer until a
// newline; everything else flushes the open chunk first.
const (
	chunkMessage = "message"
	chunkThought = "thought"
)

// Lines reserved above and below the transcript viewport: header,
// info line, status bar.
const chromeLines = 3

type tickMsg struct{}

// streamClosedMsg is delivered when the events channel closes.
type streamClosedMsg struct{}

func waitForEvent(ch <-chan any) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return ev
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// Model is the bubbletea model for watching one session.
type Model struct {
	cfg    Config
	keys   KeyMap
	events <-chan any

	width  int
	height int
	ready  bool

	spin spinner.Model
	vp   viewport.Model

	iteration int
	maxIter   int
	taskRef   string
	startTime time.Time
	elapsed   time.Duration

	working     bool
	live        bool
	stopping    bool
	done        bool
	detached    bool
	doneReason  string
	exitErr     error
	failures    int
	escalations int

	lines []string
	// chunkBuf is a pointer so delta appends survive bubbletea's
	// model copies.
	chunkBuf   *strings.Builder
	chunkKind  string
	autoFollow bool
}

// New builds a watch model over the given event channel.
func New(cfg Config, eventCh <-chan any) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		cfg:        cfg,
		keys:       DefaultKeyMap(),
		events:     eventCh,
		spin:       sp,
		maxIter:    cfg.MaxIterations,
		taskRef:    cfg.TaskRef,
		startTime:  time.Now(),
		live:       !cfg.Attached,
		chunkBuf:   &strings.Builder{},
		autoFollow: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		m.spin.Tick,
		tickEvery(),
		tea.SetWindowTitle("taskloop watch"),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - chromeLines
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.vp = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.vp.Width = m.width
			m.vp.Height = vpHeight
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		if !m.done {
			m.elapsed = time.Since(m.startTime)
		}
		return m, tickEvery()

	case events.SessionSnapshotMsg:
		if msg.SessionID != "" {
			m.cfg.SessionID = msg.SessionID
		}
		if msg.AgentType != "" {
			m.cfg.AgentType = msg.AgentType
		}
		if !msg.StartedAt.IsZero() {
			m.startTime = msg.StartedAt
			m.elapsed = time.Since(m.startTime)
		}
		if msg.Iteration > m.iteration {
			m.iteration = msg.Iteration
		}
		if msg.TaskRef != "" {
			m.taskRef = msg.TaskRef
		}
		if !m.live {
			m.pushLine(dimStyle.Render("replaying session history"))
		}
		return m, waitForEvent(m.events)

	case events.SessionLiveMsg:
		if !m.live {
			m.live = true
			m.pushLine(dimStyle.Render("live"))
		}
		return m, waitForEvent(m.events)

	case events.IterationStartedMsg:
		m.flushChunk()
		m.working = true
		m.iteration = msg.Iteration
		if msg.MaxIterations > 0 {
			m.maxIter = msg.MaxIterations
		}
		if msg.TaskRef != "" {
			m.taskRef = msg.TaskRef
		}
		m.pushLine("")
		m.pushLine(iterationLine(msg))
		return m, waitForEvent(m.events)

	case events.AgentUpdateMsg:
		m.handleUpdate(msg.Update)
		return m, waitForEvent(m.events)

	case events.PromptDoneMsg:
		m.flushChunk()
		m.working = false
		m.pushLine(promptDoneLine(msg))
		return m, waitForEvent(m.events)

	case events.FailureRecordedMsg:
		m.flushChunk()
		m.failures++
		m.pushLine(failureStyle.Render(fmt.Sprintf("failure #%d recorded on @%s", msg.Count, msg.TaskRef)))
		return m, waitForEvent(m.events)

	case events.TaskEscalatedMsg:
		m.flushChunk()
		m.escalations++
		m.pushLine(escalationStyle.Render(fmt.Sprintf("@%s escalated to review after %d failures", msg.TaskRef, msg.Count)))
		return m, waitForEvent(m.events)

	case events.IterationDoneMsg:
		m.working = false
		return m, waitForEvent(m.events)

	case events.LoopDoneMsg:
		m.flushChunk()
		m.working = false
		m.done = true
		m.doneReason = msg.Reason
		m.exitErr = msg.Err
		if msg.Iterations > 0 {
			m.iteration = msg.Iterations
		}
		m.pushLine("")
		if msg.Err != nil {
			m.pushLine(failureStyle.Render(fmt.Sprintf("run ended (%s): %v", msg.Reason, msg.Err)))
		} else {
			m.pushLine(doneStyle.Render(fmt.Sprintf("run ended (%s) after %d iterations", msg.Reason, m.iteration)))
		}
		m.pushLine(dimStyle.Render("press q to exit"))
		if m.stopping {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		if !m.done {
			m.working = false
			m.done = true
			m.doneReason = "error"
			m.exitErr = fmt.Errorf("event stream closed before the run finished")
			m.pushLine("")
			m.pushLine(failureStyle.Render("event stream closed before the run finished"))
			m.pushLine(dimStyle.Render("press q to exit"))
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.done {
			return m, tea.Quit
		}
		if m.cfg.Attached {
			m.detached = true
			return m, tea.Quit
		}
		m.requestCancel()
		return m, nil

	case key.Matches(msg, m.keys.Detach):
		if m.done {
			return m, tea.Quit
		}
		if m.cfg.Attached {
			m.detached = true
			return m, tea.Quit
		}
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		if !m.done {
			m.requestCancel()
		}
		return m, nil

	case key.Matches(msg, m.keys.Follow):
		m.autoFollow = true
		if m.ready {
			m.vp.GotoBottom()
		}
		return m, nil

	default:
		if !m.ready {
			return m, nil
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		m.autoFollow = m.vp.AtBottom()
		return m, cmd
	}
}

// requestCancel forwards the stop request once and flags the model as
// stopping. The run keeps streaming until the loop reports done.
func (m *Model) requestCancel() {
	if m.stopping {
		return
	}
	m.stopping = true
	if m.cfg.OnCancel != nil {
		m.cfg.OnCancel()
	}
	m.pushLine(dimStyle.Render("cancel requested, waiting for the run to stop"))
}

func (m *Model) handleUpdate(u agent.SessionUpdate) {
	switch u.Kind {
	case agent.UpdateAgentMessageChunk:
		m.appendChunk(chunkMessage, u.Text)
	case agent.UpdateAgentThoughtChunk:
		m.appendChunk(chunkThought, u.Text)
	case agent.UpdateToolCall, agent.UpdateToolCallUpdate:
		// Only terminal tool states make a transcript line; the
		// intermediate churn stays off screen.
		if u.Kind == agent.UpdateToolCallUpdate &&
			u.ToolStatus != agent.ToolStatusCompleted && u.ToolStatus != agent.ToolStatusFailed {
			return
		}
		m.flushChunk()
		m.pushLine(toolLine(u))
	case agent.UpdatePlan:
		m.flushChunk()
		m.pushLine(dimStyle.Render("plan: " + render.PlanSummary(u.Raw)))
	case "":
	default:
		m.flushChunk()
		m.pushLine(dimStyle.Render("[" + u.Kind + "]"))
	}
}

// appendChunk accumulates a streamed text delta, emitting a transcript
// line per newline. A kind switch mid-stream flushes the open chunk.
func (m *Model) appendChunk(kind, text string) {
	if text == "" {
		return
	}
	if m.chunkKind != "" && m.chunkKind != kind {
		m.flushChunk()
	}
	m.chunkKind = kind
	for _, r := range text {
		if r == '\n' {
			m.flushChunk()
			m.chunkKind = kind
		} else {
			m.chunkBuf.WriteRune(r)
		}
	}
	m.refreshViewport()
}

func (m *Model) flushChunk() {
	if m.chunkBuf.Len() == 0 {
		m.chunkKind = ""
		return
	}
	text := m.chunkBuf.String()
	m.chunkBuf.Reset()
	if m.chunkKind == chunkThought {
		m.pushLine(thoughtStyle.Render(text))
	} else {
		m.pushLine(agentTextStyle.Render(text))
	}
	m.chunkKind = ""
}

func (m *Model) pushLine(line string) {
	m.lines = append(m.lines, line)
	m.refreshViewport()
}

// refreshViewport rebuilds the wrapped transcript, including the open
// chunk so partial lines stream visibly.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	width := m.vp.Width
	if width <= 0 {
		width = 80
	}
	var b strings.Builder
	for i, line := range m.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(ansi.Wrap(line, width, " "))
	}
	if m.chunkBuf.Len() > 0 {
		if len(m.lines) > 0 {
			b.WriteByte('\n')
		}
		open := m.chunkBuf.String()
		if m.chunkKind == chunkThought {
			open = thoughtStyle.Render(open)
		} else {
			open = agentTextStyle.Render(open)
		}
		b.WriteString(ansi.Wrap(open, width, " "))
	}
	m.vp.SetContent(b.String())
	if m.autoFollow {
		m.vp.GotoBottom()
	}
}

// FinalResult reports how the watch ended. Meaningful once the
// bubbletea program returns.
func (m Model) FinalResult() Result {
	return Result{
		Iterations: m.iteration,
		Reason:     m.doneReason,
		Err:        m.exitErr,
		Detached:   m.detached,
	}
}

func iterationLine(msg events.IterationStartedMsg) string {
	head := fmt.Sprintf("iteration %d", msg.Iteration)
	if msg.MaxIterations > 0 {
		head += fmt.Sprintf("/%d", msg.MaxIterations)
	}
	if msg.TaskRef != "" {
		head += " @" + msg.TaskRef
	}
	if msg.TaskTitle != "" {
		head += ": " + msg.TaskTitle
	}
	line := iterationStyle.Render(head)
	if msg.TraceID != "" {
		line += dimStyle.Render(" [" + msg.TraceID + "]")
	}
	return line
}

func promptDoneLine(msg events.PromptDoneMsg) string {
	elapsed := msg.Elapsed.Round(time.Second)
	if msg.Err != nil {
		return failureStyle.Render(fmt.Sprintf("iteration %d error after %s: %v", msg.Iteration, elapsed, msg.Err))
	}
	reason := msg.StopReason
	if reason == "" {
		reason = agent.StopEndTurn
	}
	return dimStyle.Render(fmt.Sprintf("iteration %d finished (%s, %s)", msg.Iteration, reason, elapsed))
}

func toolLine(u agent.SessionUpdate) string {
	kind := u.ToolKind
	if kind == "" {
		kind = "tool"
	}
	title := u.ToolTitle
	if title == "" {
		title = u.ToolCallID
	}
	line := fmt.Sprintf("[%s] %s", kind, title)
	if u.ToolStatus != "" {
		line += " (" + u.ToolStatus + ")"
	}
	if u.ToolStatus == agent.ToolStatusFailed {
		return toolFailedStyle.Render(line)
	}
	return toolStyle.Render(line)
}
