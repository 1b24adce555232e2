package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/recalc"
	"github.com/abelbrown/discrimhist/internal/work"
)

// listenTimeout is how long a channel listener blocks before it re-arms.
const listenTimeout = 5 * time.Second

// Deps wires the viewer to the rest of the program. Every field is
// optional; a viewer with only Initial set is a static "show" view.
type Deps struct {
	Trigger     func(recalc.Trigger) error
	Transitions <-chan recalc.Transition
	Outcomes    <-chan Outcome
	Ring        *otel.RingBuffer
	Pool        *work.Pool
	Events      *otel.Logger
	Bins        int
	ZoomStep    float64
	Clusters    []discrim.ClusterID
	Initial     *discrim.Result
}

// App is the root Bubble Tea model.
// App does not hold the controller. It receives state via messages.
type App struct {
	deps Deps

	result    discrim.Result
	hasResult bool
	base      discrim.Layout
	zoom      int

	state    recalc.State
	gen      uint64
	err      *discrim.StageError
	status   string
	selected int

	width        int
	height       int
	ready        bool
	debugVisible bool
	spinner      spinner.Model
}

// NewApp creates an App from deps.
func NewApp(deps Deps) App {
	if deps.Bins <= 0 {
		deps.Bins = discrim.DefaultBins
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	a := App{deps: deps, state: recalc.StateIdle, spinner: s}
	if deps.Initial != nil {
		a.setResult(*deps.Initial)
	}
	return a
}

// Init starts the spinner and the channel listeners.
func (a App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.listenTransitions(), a.listenOutcomes())
}

func (a App) listenTransitions() tea.Cmd {
	ch := a.deps.Transitions
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case t, ok := <-ch:
			if !ok {
				return nil
			}
			return TransitionMsg(t)
		case <-time.After(listenTimeout):
			return pollMsg{source: "transitions"}
		}
	}
}

func (a App) listenOutcomes() tea.Cmd {
	ch := a.deps.Outcomes
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case o, ok := <-ch:
			if !ok {
				return nil
			}
			return OutcomeMsg(o)
		case <-time.After(listenTimeout):
			return pollMsg{source: "outcomes"}
		}
	}
}

// Update handles messages and returns the updated model and any commands.
// With DISCRIMHIST_TRACE set, every message is traced on arrival and again
// with its handling time.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if !otel.TraceEnabled() || a.deps.Events == nil {
		return a.update(msg)
	}
	name := fmt.Sprintf("%T", msg)
	a.deps.Events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindMsgReceived, Comp: "ui", Msg: name})
	start := time.Now()
	m, cmd := a.update(msg)
	a.deps.Events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindMsgHandled, Comp: "ui", Msg: name, Dur: time.Since(start)})
	return m, cmd
}

func (a App) update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		return a, nil

	case TransitionMsg:
		a.state = msg.To
		a.gen = msg.Gen
		if msg.To == recalc.StateRunning {
			a.status = ""
		}
		return a, a.listenTransitions()

	case OutcomeMsg:
		if msg.Err != nil {
			a.err = msg.Err
		} else {
			a.setResult(msg.Result)
			a.err = nil
		}
		return a, a.listenOutcomes()

	case TriggerSent:
		if msg.Err != nil {
			a.status = msg.Err.Error()
		} else {
			a.status = "sent " + string(msg.Trigger)
		}
		return a, nil

	case pollMsg:
		if msg.source == "transitions" {
			return a, a.listenTransitions()
		}
		return a, a.listenOutcomes()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// setResult replaces the shown result and recomputes the shared layout.
// Zoom is kept across results.
func (a *App) setResult(res discrim.Result) {
	a.result = res
	a.hasResult = true
	a.base = discrim.NewLayout(res.Histograms, a.deps.Bins)
	if a.selected >= len(res.Histograms) {
		a.selected = max(len(res.Histograms)-1, 0)
	}
}

func (a App) layout() discrim.Layout {
	return a.base.ZoomBy(a.zoom, a.deps.ZoomStep)
}

func (a App) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if a.deps.Events != nil {
		a.deps.Events.Emit(otel.Event{
			Level: otel.LevelDebug,
			Kind:  otel.KindKeyPress,
			Comp:  "ui",
			Msg:   key,
		})
	}

	switch key {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "D":
		a.debugVisible = !a.debugVisible
		return a, nil
	}
	if a.debugVisible {
		return a, nil
	}

	n := len(a.result.Clusters)
	switch key {
	case "+", "=":
		a.zoom++
	case "-":
		a.zoom--
	case "0":
		a.zoom = 0
	case "r":
		return a, a.trigger(recalc.TriggerClusters)
	case "R":
		return a, a.trigger(recalc.TriggerTimeseries)
	case "left", "h":
		a.moveSelection(-1)
	case "right", "l":
		a.moveSelection(1)
	case "up", "k":
		a.moveSelection(-n)
	case "down", "j":
		a.moveSelection(n)
	}
	return a, nil
}

func (a *App) moveSelection(delta int) {
	total := len(a.result.Histograms)
	if total == 0 {
		return
	}
	next := a.selected + delta
	if next < 0 || next >= total {
		return
	}
	a.selected = next
}

func (a App) trigger(t recalc.Trigger) tea.Cmd {
	if a.deps.Trigger == nil {
		return nil
	}
	fn := a.deps.Trigger
	return func() tea.Msg {
		return TriggerSent{Trigger: t, Err: fn(t)}
	}
}

// View renders the App.
func (a App) View() string {
	if otel.TraceEnabled() && a.deps.Events != nil {
		start := time.Now()
		defer func() {
			a.deps.Events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindViewRender, Comp: "ui",
				Dur: time.Since(start), Count: len(a.result.Histograms)})
		}()
	}
	if !a.ready {
		return "Loading..."
	}

	if a.debugVisible {
		overlay := debugOverlay(a.deps.Ring, a.deps.Pool, a.width, a.height-1)
		if overlay == "" {
			overlay = HelpStyle.Render("No event buffer attached.")
		}
		return overlay + "\n" + debugStatusBar(a.width)
	}

	var b strings.Builder
	b.WriteString(a.renderHeader())
	b.WriteString("\n")

	// header, state line, status bar
	bodyHeight := a.height - 3
	if a.err != nil {
		bodyHeight--
	}

	switch {
	case a.hasResult:
		b.WriteString(renderGrid(a.result, a.layout(), a.width, bodyHeight, a.selected))
	case a.state == recalc.StateRunning || a.state == recalc.StatePending:
		b.WriteString(HelpStyle.Render(a.spinner.View() + " Computing histograms..."))
	default:
		b.WriteString(HelpStyle.Render("No result yet. Press r to compute."))
	}
	b.WriteString("\n")

	if a.err != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("%s failed (%s): %v", a.err.Stage, a.err.Kind, a.err.Err)))
		b.WriteString("\n")
	}

	b.WriteString(a.renderStatusBar())
	return b.String()
}

func (a App) renderHeader() string {
	parts := []string{"DISCRIMHIST"}
	clusters := a.deps.Clusters
	if a.hasResult {
		clusters = a.result.Clusters
	}
	if len(clusters) > 0 {
		parts = append(parts, "clusters "+discrim.JoinClusters(clusters))
	}
	if a.gen > 0 {
		parts = append(parts, fmt.Sprintf("gen %d", a.gen))
	}
	if a.hasResult && a.result.Discarded > 0 {
		parts = append(parts, fmt.Sprintf("%d discarded", a.result.Discarded))
	}
	return Header.Width(a.width).Render(strings.Join(parts, " │ ")) + "\n" + a.renderState()
}

func (a App) renderState() string {
	switch a.state {
	case recalc.StateRunning:
		return a.spinner.View() + " running"
	case recalc.StatePending:
		return a.spinner.View() + " pending"
	case recalc.StateDone:
		return StateDone.Render("● done")
	case recalc.StateFailed:
		return ErrorStyle.Render("● failed")
	}
	return StatusBarText.Render("● " + string(a.state))
}

func (a App) renderStatusBar() string {
	keys := []string{
		StatusBarKey.Render("+/-") + StatusBarText.Render(":zoom"),
		StatusBarKey.Render("0") + StatusBarText.Render(":reset"),
		StatusBarKey.Render("r") + StatusBarText.Render(":refresh"),
		StatusBarKey.Render("R") + StatusBarText.Render(":recompute"),
		StatusBarKey.Render("D") + StatusBarText.Render(":debug"),
		StatusBarKey.Render("q") + StatusBarText.Render(":quit"),
	}
	left := strings.Join(keys, "  ")

	right := a.status
	if a.hasResult {
		l := a.layout()
		zoom := fmt.Sprintf("x[%.2f, %.2f]", l.XMin, l.XMax)
		if right != "" {
			right += "  "
		}
		right += zoom
	}

	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return StatusBar.Width(a.width).Render(left + strings.Repeat(" ", gap) + right)
}
