package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/endpoint"
	"github.com/muesli/termenv"
)

// theme renders terminal output. With color off every style is bypassed
// and text comes out unchanged.
type theme struct {
	color bool

	title lipgloss.Style
	key   lipgloss.Style
	value lipgloss.Style
	faint lipgloss.Style
	state map[string]lipgloss.Style
}

func newTheme(color bool) theme {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.ANSI256)
	return theme{
		color: color,
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("45")),
		key:   r.NewStyle().Foreground(lipgloss.Color("75")),
		value: r.NewStyle().Foreground(lipgloss.Color("255")),
		faint: r.NewStyle().Foreground(lipgloss.Color("244")),
		state: map[string]lipgloss.Style{
			"pass": r.NewStyle().Bold(true).Foreground(lipgloss.Color("48")),
			"warn": r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
			"fail": r.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		},
	}
}

func (t theme) paint(s lipgloss.Style, v string) string {
	if !t.color {
		return v
	}
	return s.Render(v)
}

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

// renderStartupHeader prints the title followed by one aligned key/value
// row per non-empty field.
func renderStartupHeader(h startupHeader, t theme) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "dominion"
	}

	fields := make([]startupField, 0, len(h.Fields))
	width := 0
	for _, f := range h.Fields {
		f.Key, f.Value = strings.TrimSpace(f.Key), strings.TrimSpace(f.Value)
		if f.Key == "" || f.Value == "" {
			continue
		}
		fields = append(fields, f)
		width = max(width, len(f.Key))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", t.paint(t.title, "⚙ "+title))
	for _, f := range fields {
		key := fmt.Sprintf("%-*s", width, f.Key)
		fmt.Fprintf(&b, "  %s  %s\n", t.paint(t.key, key), t.paint(t.value, f.Value))
	}
	b.WriteByte('\n')
	return b.String()
}

type doctorReport struct {
	Engine string
	Slots  int
	Checks []doctorCheck
}

// renderDoctorReport prints one row per check, grouped under a title that
// names the engine and slot count, and a closing tally.
func renderDoctorReport(r doctorReport, t theme) string {
	engine := strings.TrimSpace(r.Engine)
	if engine == "" {
		engine = "unknown"
	}
	title := "dominion doctor: engine " + engine
	if r.Slots > 0 {
		title += fmt.Sprintf(", %d build slot", r.Slots)
		if r.Slots > 1 {
			title += "s"
		}
	}

	width := 0
	for _, c := range r.Checks {
		width = max(width, len(checkName(c)))
	}

	var b strings.Builder
	b.WriteString(t.paint(t.title, title))
	b.WriteByte('\n')
	tally := map[string]int{}
	for _, c := range r.Checks {
		state := checkState(c.Status)
		tally[state]++
		badge := fmt.Sprintf("%-4s", strings.ToUpper(state))
		if s, ok := t.state[state]; ok {
			badge = t.paint(s, badge)
		}
		message := strings.TrimSpace(c.Message)
		if message == "" {
			message = "-"
		}
		fmt.Fprintf(&b, "  %s  %-*s  %s\n", badge, width, checkName(c), message)
	}
	summary := fmt.Sprintf("%d passed, %d warned, %d failed", tally["pass"], tally["warn"], tally["fail"])
	if n := tally["unknown"]; n > 0 {
		summary += fmt.Sprintf(", %d unknown", n)
	}
	b.WriteString(t.paint(t.faint, summary))
	b.WriteByte('\n')
	return b.String()
}

func checkName(c doctorCheck) string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	return "unnamed"
}

func checkState(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "ok":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}

// colorEnabled honours NO_COLOR, CLICOLOR=0 and CLICOLOR_FORCE before
// falling back to whether f is a terminal.
func colorEnabled(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" && force != "0" {
		return true
	}
	return f != nil && isTerminal(f)
}

// styleLogger gives the serve logger the same palette as the header.
func styleLogger(logger *log.Logger, t theme) {
	if logger == nil || !t.color {
		return
	}
	styles := log.DefaultStyles()
	styles.Key = t.key.Bold(true)
	styles.Value = t.value
	styles.Separator = t.faint
	for level, state := range map[log.Level]string{log.InfoLevel: "pass", log.WarnLevel: "warn", log.ErrorLevel: "fail"} {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(t.state[state].GetForeground())
	}
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := strings.TrimSpace(ep.TSNetHostname)
		if host == "" {
			host = endpoint.DefaultTSNetHostname
		}
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	}
	if ep.Address != "" {
		return ep.Address
	}
	return ep.BaseURL
}
