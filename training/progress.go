package training

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// ProgressBar draws a single-line, carriage-return refreshed bar for the
// steps of one epoch.
type ProgressBar struct {
	out       io.Writer
	desc      string
	total     int
	step      int
	startTime time.Time
	width     int
	metrics   map[string]float64
	now       func() time.Time
}

// NewProgressBar creates a bar of total steps that renders to out.
func NewProgressBar(out io.Writer, desc string, total int) *ProgressBar {
	return &ProgressBar{
		out:       out,
		desc:      desc,
		total:     total,
		startTime: time.Now(),
		width:     30,
		metrics:   make(map[string]float64),
		now:       time.Now,
	}
}

// Update moves the bar to step and merges metrics into the running values.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.step = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish draws the completed bar and ends the line.
func (pb *ProgressBar) Finish() {
	pb.step = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	frac := 1.0
	if pb.total > 0 {
		frac = math.Min(float64(pb.step)/float64(pb.total), 1)
	}
	filled := int(frac * float64(pb.width))

	var b strings.Builder
	elapsed := pb.now().Sub(pb.startTime)
	var remaining time.Duration
	if pb.step > 0 && elapsed > 0 {
		remaining = time.Duration(float64(elapsed)/frac) - elapsed
	}
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s%s| %d/%d [%s<%s",
		pb.desc, frac*100, strings.Repeat("█", filled), strings.Repeat(" ", pb.width-filled),
		pb.step, pb.total, formatDuration(elapsed), formatDuration(remaining))
	if pb.step > 0 && elapsed > 0 {
		fmt.Fprintf(&b, ", %.2fbatch/s", float64(pb.step)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		if strings.HasSuffix(k, MetricAccuracy) {
			fmt.Fprintf(&b, ", %s=%.2f%%", k, pb.metrics[k]*100)
		} else {
			fmt.Fprintf(&b, ", %s=%.4f", k, pb.metrics[k])
		}
	}
	b.WriteString("]")
	io.WriteString(pb.out, b.String())
}

// formatDuration renders d as MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatLogs renders epoch logs in history key order, Keras style.
func formatLogs(logs map[string]float64) string {
	keys := make([]string, 0, len(logs))
	for k := range logs {
		keys = append(keys, k)
	}
	sortKeys(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %.4f", k, logs[k])
	}
	return strings.Join(parts, " - ")
}
