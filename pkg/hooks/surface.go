package hooks

import (
	"fmt"
	"math"
	"strings"
)

// FillMode selects how a progress bar shows its value.
type FillMode string

const (
	// FillScale stretches the bar horizontally.
	FillScale FillMode = "scale"
	// FillImage sets the bar's fill amount.
	FillImage FillMode = "fill"
)

// ParseFillMode accepts "scale" or "fill", case-insensitively.
func ParseFillMode(s string) (FillMode, error) {
	switch FillMode(strings.ToLower(strings.TrimSpace(s))) {
	case FillScale:
		return FillScale, nil
	case FillImage:
		return FillImage, nil
	default:
		return "", fmt.Errorf("unknown fill mode %q (want %q or %q)", s, FillScale, FillImage)
	}
}

// Surface is where a presentation variant draws. Implementations are called
// from the frame loop and must not block.
type Surface interface {
	SetAlpha(alpha float64)
	SetInputEnabled(enabled bool)
	SetAudioEnabled(enabled bool)
	SetBarScale(x float64)
	SetBarFill(amount float64)
	SetLabel(text string)
}

// NopSurface discards everything.
type NopSurface struct{}

func (NopSurface) SetAlpha(float64) {}
func (NopSurface) SetInputEnabled(bool) {}
func (NopSurface) SetAudioEnabled(bool) {}
func (NopSurface) SetBarScale(float64) {}
func (NopSurface) SetBarFill(float64) {}
func (NopSurface) SetLabel(string) {}

// FormatProgress renders the label shown under the bar, e.g. "42% (3/6)".
// index is zero-based.
func FormatProgress(p float64, index, total int) string {
	return fmt.Sprintf("%d%% (%d/%d)", int(math.Round(p*100)), index+1, total)
}
