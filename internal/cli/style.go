package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"scenelens/internal/model"
)

var (
	clrBrand = lipgloss.Color("39")
	clrOK    = lipgloss.Color("114")
	clrWarn  = lipgloss.Color("220")
	clrFail  = lipgloss.Color("203")
	clrTime  = lipgloss.Color("81")
	clrMuted = lipgloss.Color("245")
	clrValue = lipgloss.Color("255")
)

// styles renders CLI output. Colors are only applied when the writer is a
// terminal and --json is off; otherwise every helper returns plain text.
type styles struct {
	enabled bool

	brand lipgloss.Style
	label lipgloss.Style
	value lipgloss.Style
	muted lipgloss.Style
	clock lipgloss.Style
	link  lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
}

func newStyles(w io.Writer, jsonMode bool) styles {
	s := styles{}
	if f, ok := w.(*os.File); ok && !jsonMode {
		s.enabled = term.IsTerminal(int(f.Fd()))
	}
	s.brand = lipgloss.NewStyle().Bold(true).Foreground(clrBrand)
	s.label = lipgloss.NewStyle().Foreground(clrMuted)
	s.value = lipgloss.NewStyle().Foreground(clrValue)
	s.muted = lipgloss.NewStyle().Foreground(clrMuted)
	s.clock = lipgloss.NewStyle().Foreground(clrTime)
	s.link = lipgloss.NewStyle().Foreground(clrTime).Underline(true)
	s.ok = lipgloss.NewStyle().Foreground(clrOK)
	s.warn = lipgloss.NewStyle().Bold(true).Foreground(clrWarn)
	s.fail = lipgloss.NewStyle().Bold(true).Foreground(clrFail)
	return s
}

func (s styles) render(st lipgloss.Style, text string) string {
	if !s.enabled {
		return text
	}
	return st.Render(text)
}

func (s styles) banner() string { return s.render(s.brand, "scenelens") }

func (s styles) section(title string) string { return s.render(s.brand, title) }

func (s styles) dim(text string) string { return s.render(s.muted, text) }

func (s styles) url(u string) string { return s.render(s.link, u) }

func (s styles) errPrefix() string { return s.render(s.fail, "ERROR:") }

func (s styles) warnPrefix() string { return s.render(s.warn, "WARNING:") }

// kv formats "  Key:          value".
func (s styles) kv(key, value string) string {
	return "  " + s.render(s.label, fmt.Sprintf("%-14s", key+":")) + " " + s.render(s.value, value)
}

// stat formats "label=value".
func (s styles) stat(label string, value interface{}) string {
	return s.render(s.label, label) + "=" + s.render(s.value, fmt.Sprint(value))
}

func (s styles) separator(width int) string {
	if width <= 0 {
		width = 40
	}
	return s.dim(strings.Repeat("─", width))
}

// done reports a finished step for one video, e.g. "built <id>  segments=5".
func (s styles) done(verb, videoID, detail string) string {
	line := s.render(s.ok, verb) + " " + videoID
	if detail != "" {
		line += "  " + detail
	}
	return line
}

// status colors a result status: ok green, not_ready yellow, failed red.
func (s styles) status(st model.Status) string {
	switch st {
	case model.StatusOK:
		return s.render(s.ok, string(st))
	case model.StatusNotReady:
		return s.render(s.warn, string(st))
	default:
		return s.render(s.fail, string(st))
	}
}

// resultHeader is the first line of a printed search result.
func (s styles) resultHeader(res model.Result) string {
	scope := "all videos"
	if res.VideoID != "" {
		scope = "video " + res.VideoID
	}
	return fmt.Sprintf("%s  %s %s %s",
		s.section(fmt.Sprintf("%q", res.Query)),
		s.stat("mode", res.Mode), s.status(res.Status),
		s.dim(fmt.Sprintf("%s, %dms", scope, res.ElapsedMS)))
}

// hit renders one ranked moment and, when present, its caption below it.
func (s styles) hit(rank int, h model.Hit) string {
	line := fmt.Sprintf("%2d. %s  %s @ %s  %s",
		rank,
		s.render(s.value, fmt.Sprintf("%.3f", h.Score)),
		h.VideoID,
		s.render(s.clock, formatTimestamp(h.TimestampSeconds)),
		s.dim(string(h.MatchedBy)))
	if h.Caption != "" {
		line += "\n    " + h.Caption
	}
	return line
}

// moment renders a grouped time range with its best caption.
func (s styles) moment(rank int, m model.Moment) string {
	span := formatTimestamp(m.StartSeconds)
	if m.EndSeconds > m.StartSeconds {
		span += "-" + formatTimestamp(m.EndSeconds)
	}
	line := fmt.Sprintf("%2d. %s  %s @ %s  %s",
		rank,
		s.render(s.value, fmt.Sprintf("%.3f", m.Score)),
		m.VideoID,
		s.render(s.clock, span),
		s.dim(fmt.Sprintf("%d segments", len(m.SegmentIDs))))
	if m.Best.Caption != "" {
		line += "\n    " + m.Best.Caption
	}
	return line
}

// indexSummary describes the vector index in one line.
func (s styles) indexSummary(stats model.Stats) string {
	text := fmt.Sprintf("%d live / %d stored, dim %d", stats.IndexLive, stats.IndexVectors, stats.Dimension)
	if stats.Approximate {
		text += ", ivf"
	}
	return text
}

// formatTimestamp renders seconds as m:ss.ss.
func formatTimestamp(seconds float64) string {
	m := int(seconds) / 60
	return fmt.Sprintf("%d:%05.2f", m, seconds-float64(m*60))
}

// emitNDJSON writes one event object per line for --json consumers.
func emitNDJSON(w io.Writer, event string, data map[string]interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": "info",
		"event": event,
		"data":  data,
	})
}
