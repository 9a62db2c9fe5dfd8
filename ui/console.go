// Package ui renders session callbacks to a terminal.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/types"
)

// Theme is the console colour scheme.
type Theme struct {
	Primary lipgloss.Color
	Agent   lipgloss.Color
	Dim     lipgloss.Color
	Error   lipgloss.Color
}

var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Agent:   lipgloss.Color("#58a6ff"),
	Dim:     lipgloss.Color("#6e7681"),
	Error:   lipgloss.Color("#ff5f5f"),
}

type styles struct {
	state  lipgloss.Style
	user   lipgloss.Style
	agent  lipgloss.Style
	dim    lipgloss.Style
	errTag lipgloss.Style
}

// Console writes a line-oriented transcript of a session. It is safe to use
// from the session goroutine and the command reader at the same time.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	st    styles
	inAns bool // a response_text line is open
}

func NewConsole(w io.Writer, theme Theme) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w: w,
		st: styles{
			state:  r.NewStyle().Bold(true).Foreground(theme.Primary),
			user:   r.NewStyle().Bold(true).Foreground(theme.Primary),
			agent:  r.NewStyle().Bold(true).Foreground(theme.Agent),
			dim:    r.NewStyle().Foreground(theme.Dim),
			errTag: r.NewStyle().Bold(true).Foreground(theme.Error),
		},
	}
}

// Handlers returns session callbacks bound to this console.
func (c *Console) Handlers() types.Handlers {
	return types.Handlers{
		OnStateChange:      c.StateChange,
		OnConnected:        func() { c.Info("connected") },
		OnDisconnected:     c.Disconnected,
		OnSessionStart:     func(id string) { c.Info("session " + id) },
		OnTranscript:       c.Transcript,
		OnResponseText:     c.ResponseText,
		OnResponseAudioEnd: func() { c.Info("response audio complete") },
		OnError:            c.Error,
	}
}

func (c *Console) StateChange(from, to model.ConversationState) {
	c.line(c.st.state.Render("["+strings.ToUpper(to.String())+"]") + " " +
		c.st.dim.Render("from "+from.String()))
}

func (c *Console) Disconnected(err error) {
	if err != nil {
		c.line(c.st.dim.Render("disconnected: " + err.Error()))
		return
	}
	c.Info("disconnected")
}

func (c *Console) Transcript(ev types.TextEvent) {
	if !ev.Final {
		c.line(c.st.dim.Render("you … " + ev.Text))
		return
	}
	c.line(c.st.user.Render("you ›") + " " + ev.Text)
}

// ResponseText streams agent tokens onto one line, closed by the final event.
func (c *Console) ResponseText(ev types.TextEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inAns {
		fmt.Fprint(c.w, c.st.agent.Render("agent ›")+" ")
		c.inAns = true
	}
	fmt.Fprint(c.w, ev.Text)
	if ev.Final {
		fmt.Fprintln(c.w)
		c.inAns = false
	}
}

func (c *Console) Error(err error) {
	c.line(c.st.errTag.Render("error") + " " + err.Error())
}

func (c *Console) Info(msg string) {
	c.line(c.st.dim.Render(msg))
}

// Help prints the interactive command summary.
func (c *Console) Help() {
	c.line(c.st.dim.Render("enter: toggle listening · v <0..1>: volume · play <file>: play audio · q: quit"))
}

func (c *Console) line(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inAns {
		fmt.Fprintln(c.w)
		c.inAns = false
	}
	fmt.Fprintln(c.w, s)
}
