package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBarRender(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/3", 4)
	start := pb.startTime
	pb.now = func() time.Time { return start.Add(2 * time.Second) }

	pb.Update(2, map[string]float64{"accuracy": 0.5, "loss": 1.25})
	line := buf.String()

	for _, want := range []string{"Epoch 1/3", " 50%", "2/4", "[00:02<00:02", "1.00batch/s", "loss=1.2500", "accuracy=50.00%"} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
	if strings.Index(line, "loss=") > strings.Index(line, "accuracy=") {
		t.Errorf("Expected loss before accuracy in %q", line)
	}

	buf.Reset()
	pb.Finish()
	if !strings.Contains(buf.String(), "4/4") || !strings.HasSuffix(buf.String(), "]\n") {
		t.Errorf("Unexpected final line %q", buf.String())
	}
}

func TestProgressBarZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "eval", 0)
	pb.Update(0, nil)
	if !strings.Contains(buf.String(), "100%") {
		t.Errorf("Expected a full bar for zero total, got %q", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{59 * time.Second, "00:59"},
		{125 * time.Second, "02:05"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v): expected %s, got %s", tt.d, tt.want, got)
		}
	}
}

func TestFormatLogs(t *testing.T) {
	got := formatLogs(map[string]float64{
		"val_accuracy": 0.5,
		"accuracy":     0.75,
		"val_loss":     1,
		"loss":         0.5,
	})
	want := "loss: 0.5000 - accuracy: 0.7500 - val_loss: 1.0000 - val_accuracy: 0.5000"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
