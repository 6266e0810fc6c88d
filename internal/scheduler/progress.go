package scheduler

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Progress counts settled render futures of a batch and draws a progress bar.
type Progress struct {
	startTime time.Time
	output    io.Writer
	total     int
	completed int
	failed    int
	abandoned int
	mu        sync.Mutex
	enabled   bool
}

// NewProgress creates a tracker for total tasks. Output goes to stderr when
// enabled.
func NewProgress(total int, enabled bool) *Progress {
	return &Progress{
		total:     total,
		startTime: time.Now(),
		output:    os.Stderr,
		enabled:   enabled,
	}
}

// SetOutput redirects the progress bar.
func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	p.output = w
	p.mu.Unlock()
}

// Record counts one settled future. Torn down tasks count as failed and are
// reported separately.
func (p *Progress) Record(err error) {
	p.mu.Lock()
	p.completed++
	if err != nil {
		p.failed++
		if errors.Is(err, ErrAbandoned) {
			p.abandoned++
		}
	}
	p.mu.Unlock()

	if p.enabled {
		p.Print()
	}
}

// Counts returns completed, failed and total.
func (p *Progress) Counts() (completed, failed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.failed, p.total
}

// Print draws the current state on one line.
func (p *Progress) Print() {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.startTime)

	var rate float64
	var eta time.Duration
	if p.completed > 0 {
		rate = float64(p.completed) / elapsed.Seconds()
		if rate > 0 {
			eta = time.Duration(float64(p.total-p.completed)/rate) * time.Second
		}
	}

	const barWidth = 30
	filled := 0
	if p.total > 0 {
		filled = p.completed * barWidth / p.total
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %d/%d tiles", bar, p.completed, p.total)
	if p.failed > 0 {
		line += fmt.Sprintf(" (%d failed)", p.failed)
	}
	line += fmt.Sprintf(" - %.1f tiles/sec", rate)
	if eta > 0 && p.completed < p.total {
		line += fmt.Sprintf(" - ETA: %s", formatDuration(eta))
	}
	if p.completed == p.total {
		line += fmt.Sprintf(" - Done in %s", formatDuration(elapsed))
	}

	// clear what a longer previous line left behind
	line += "          "

	fmt.Fprint(p.output, line)
}

// Done prints the final state and a newline.
func (p *Progress) Done() {
	if p.enabled {
		p.Print()
		p.mu.Lock()
		fmt.Fprintln(p.output)
		p.mu.Unlock()
	}
}

// Summary describes the finished batch.
func (p *Progress) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.startTime)

	var rate float64
	if elapsed.Seconds() > 0 {
		rate = float64(p.completed) / elapsed.Seconds()
	}

	s := fmt.Sprintf("Rendered %d/%d tiles (%d failed", p.completed-p.failed, p.total, p.failed)
	if p.abandoned > 0 {
		s += fmt.Sprintf(", %d abandoned", p.abandoned)
	}
	return s + fmt.Sprintf(") in %s (%.1f tiles/sec)", formatDuration(elapsed), rate)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
