package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const (
	defaultBarWidth = 40
	maxBarWidth     = 60
	// barMargin leaves room for the brackets and the label.
	barMargin = 20
)

//nolint:gochecknoglobals // shared terminal styles
var (
	filledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	emptyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

// barSurface draws the loading screen as a one-line text progress bar. On a
// terminal the line is redrawn in place; otherwise a new line is written
// whenever the label changes.
type barSurface struct {
	mu          sync.Mutex
	out         io.Writer
	width       int
	interactive bool

	alpha    float64
	bar      float64
	label    string
	lastLine string
	drawn    bool

	inputEnabled bool
	audioEnabled bool
}

func newBarSurface(out io.Writer) *barSurface {
	s := &barSurface{out: out, width: defaultBarWidth, inputEnabled: true, audioEnabled: true}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s.interactive = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w-barMargin > 10 {
			s.width = min(w-barMargin, maxBarWidth)
		}
	}
	return s
}

func (s *barSurface) SetAlpha(alpha float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alpha = alpha
	if alpha <= 0 {
		s.endLine()
	}
}

func (s *barSurface) SetInputEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputEnabled = enabled
}

func (s *barSurface) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
}

func (s *barSurface) SetBarScale(x float64) { s.setBar(x) }

func (s *barSurface) SetBarFill(amount float64) { s.setBar(amount) }

func (s *barSurface) setBar(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bar = math.Max(0, math.Min(1, v))
}

// SetLabel follows every bar update, so it is where the line is drawn.
func (s *barSurface) SetLabel(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = text
	s.draw()
}

// Finish terminates a partially drawn line.
func (s *barSurface) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLine()
}

func (s *barSurface) filled() int {
	return int(math.Round(s.bar * float64(s.width)))
}

func (s *barSurface) line() string {
	n := s.filled()
	return fmt.Sprintf("[%s%s] %s",
		strings.Repeat("#", n), strings.Repeat("-", s.width-n), s.label)
}

func (s *barSurface) styledLine() string {
	n := s.filled()
	return fmt.Sprintf("[%s%s] %s",
		filledStyle.Render(strings.Repeat("#", n)),
		emptyStyle.Render(strings.Repeat("-", s.width-n)),
		labelStyle.Render(s.label))
}

func (s *barSurface) draw() {
	line := s.line()
	if line == s.lastLine {
		return
	}
	s.lastLine = line
	if s.interactive {
		fmt.Fprintf(s.out, "\r\x1b[K%s", s.styledLine())
		s.drawn = true
		return
	}
	fmt.Fprintln(s.out, line)
}

func (s *barSurface) endLine() {
	if s.drawn {
		fmt.Fprintln(s.out)
		s.drawn = false
	}
	s.lastLine = ""
}
