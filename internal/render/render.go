// Package render prints command output, transfer progress and run summaries
// for the CLI. Colors are used only when stdout is a terminal.
package render

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/executor"
	"github.com/andrej220/biusrv/internal/firewall"
	"github.com/andrej220/biusrv/internal/script"
	"github.com/andrej220/biusrv/internal/transfer"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorDim    = lipgloss.Color("#6b7280")
	colorWhite  = lipgloss.Color("#f9fafb")

	// server prefixes cycle through these
	palette = []lipgloss.Color{
		lipgloss.Color("#3b82f6"),
		lipgloss.Color("#a855f7"),
		lipgloss.Color("#14b8a6"),
		lipgloss.Color("#f97316"),
		lipgloss.Color("#ec4899"),
		lipgloss.Color("#84cc16"),
	}

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	okStyle      = lipgloss.NewStyle().Foreground(colorGreen)
	failedStyle  = lipgloss.NewStyle().Foreground(colorRed)
	warningStyle = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

// progressStep is the percentage between two printed progress lines of one entry.
const progressStep = 25

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer is an events.Sink writing to a terminal or a plain stream.
type Printer struct {
	Out   io.Writer
	Color bool

	mu       sync.Mutex
	progress map[string]int
}

// New returns a Printer that colors output when out is a terminal.
func New(out io.Writer) *Printer {
	color := false
	if f, ok := out.(*os.File); ok {
		color = IsTerminal(f)
	}
	return &Printer{Out: out, Color: color, progress: make(map[string]int)}
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.Color {
		return text
	}
	return s.Render(text)
}

// Prefix is the "[name] " tag in front of a server's lines.
func (p *Printer) Prefix(name string) string {
	tag := "[" + name + "]"
	if p.Color {
		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		tag = lipgloss.NewStyle().Foreground(palette[int(h.Sum32())%len(palette)]).Render(tag)
	}
	return tag + " "
}

func (p *Printer) Output(o events.Output) {
	text := o.Text
	if o.Stream == events.Stderr {
		text = p.style(warningStyle, text)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.Out, "%s%s\n", p.Prefix(o.Server), text)
}

// Progress prints a line when an entry crosses a progressStep boundary.
func (p *Printer) Progress(ev events.Progress) {
	pct := 100
	if ev.BytesTotal > 0 {
		pct = int(ev.BytesDone * 100 / ev.BytesTotal)
	}
	key := ev.Server + "\x00" + ev.Entry
	bucket := pct / progressStep

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.progress == nil {
		p.progress = make(map[string]int)
	}
	last, seen := p.progress[key]
	if seen && bucket <= last {
		return
	}
	p.progress[key] = bucket
	if pct >= 100 {
		delete(p.progress, key)
	}
	fmt.Fprintf(p.Out, "%s%s %s %3d%% %s/%s\n",
		p.Prefix(ev.Server),
		p.style(dimStyle, fmt.Sprintf("(%d/%d)", ev.Index, ev.Total)),
		ev.Entry, pct, Bytes(ev.BytesDone), Bytes(ev.BytesTotal))
}

// Envelope prints an event read back from the Kafka topic.
func (p *Printer) Envelope(env events.Envelope) {
	switch {
	case env.Output != nil:
		p.Output(*env.Output)
	case env.Progress != nil:
		p.Progress(*env.Progress)
	}
}

func (p *Printer) outcome(o executor.Outcome) string {
	switch o {
	case executor.Success:
		return p.style(okStyle, o.String())
	case executor.Skipped:
		return p.style(dimStyle, o.String())
	case executor.Failed:
		return p.style(failedStyle, o.String())
	default:
		return p.style(warningStyle, o.String())
	}
}

// Summary prints one row per server and a totals line.
func (p *Printer) Summary(r *executor.Report) {
	results := r.Sorted()
	width := len("SERVER")
	for _, res := range results {
		width = max(width, len(res.Server))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.Out)
	fmt.Fprintf(p.Out, "%s\n", p.style(titleStyle, fmt.Sprintf("%-*s  %-9s  %-8s  %-8s  %s", width, "SERVER", "OUTCOME", "ATTEMPTS", "TIME", "DETAIL")))
	for _, res := range results {
		// pad before styling so escape codes do not break alignment
		outcome := res.Outcome.String()
		pad := strings.Repeat(" ", max(0, 9-len(outcome)))
		detail := res.Message
		if res.Outcome == executor.Failed && res.Kind.String() != "Unknown" {
			detail = res.Kind.String() + ": " + detail
		}
		fmt.Fprintf(p.Out, "%-*s  %s%s  %-8d  %-8s  %s\n",
			width, res.Server, p.outcome(res.Outcome), pad, res.Attempts,
			res.Duration.Round(time.Millisecond), firstLine(detail))
	}
	fmt.Fprintf(p.Out, "%d succeeded, %d skipped, %d failed, %d cancelled in %s\n",
		r.Count(executor.Success), r.Count(executor.Skipped), r.Count(executor.Failed), r.Count(executor.Cancelled),
		r.Finished.Sub(r.Started).Round(time.Millisecond))
}

// Lines prints processed command output under the server prefix.
func (p *Printer) Lines(server string, lines []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		fmt.Fprintf(p.Out, "%s%s\n", p.Prefix(server), l)
	}
}

func (p *Printer) Transfer(server string, res *transfer.Result) {
	if res == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range res.Entries {
		var status string
		switch e.Status {
		case transfer.Copied:
			status = p.style(okStyle, e.Status.String())
		case transfer.Skipped:
			status = p.style(dimStyle, e.Status.String())
		default:
			status = p.style(failedStyle, e.Status.String())
		}
		line := fmt.Sprintf("%s%s %s", p.Prefix(server), status, e.Entry.Rel)
		if e.Reason != "" {
			line += p.style(dimStyle, " ("+e.Reason+")")
		}
		if e.Err != nil {
			line += ": " + e.Err.Error()
		}
		fmt.Fprintln(p.Out, line)
	}
	fmt.Fprintf(p.Out, "%s%d copied, %d skipped, %d failed, %s\n",
		p.Prefix(server), res.Copied(), res.Skipped(), res.Failed(), Bytes(res.Bytes()))
}

func (p *Printer) Script(server string, results []script.ActionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range results {
		var state string
		switch r.State {
		case script.Completed:
			state = p.style(okStyle, r.State.String())
		case script.Failed:
			state = p.style(failedStyle, r.State.String())
		default:
			state = p.style(warningStyle, r.State.String())
		}
		line := fmt.Sprintf("%s%s %s (%d steps, %s)", p.Prefix(server), r.Name, state, r.StepsRun, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			line += ": " + firstLine(r.Err.Error())
		}
		fmt.Fprintln(p.Out, line)
	}
}

func (p *Printer) Firewall(server string, rules []firewall.Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(rules) == 0 {
		fmt.Fprintf(p.Out, "%s%s\n", p.Prefix(server), p.style(dimStyle, "no rules"))
		return
	}
	for _, r := range rules {
		action := p.style(okStyle, string(r.Action))
		if r.Action == firewall.Deny {
			action = p.style(failedStyle, string(r.Action))
		}
		fmt.Fprintf(p.Out, "%s%s %s\n", p.Prefix(server), action, r.Port)
	}
}

// Bytes formats n with a binary unit.
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
