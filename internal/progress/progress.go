package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase labels the pipeline stage a snapshot belongs to.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseExtracting  Phase = "extracting"
	PhaseClassifying Phase = "classifying"
	PhaseDone        Phase = "done"
)

// Snapshot is one point-in-time view of a job's progress. Total is 0 when
// the source cannot report it up front.
type Snapshot struct {
	Phase   Phase
	Bytes   int64
	Total   int64
	Elapsed time.Duration
	Rate    float64
	Detail  string
}

// Percent returns completion clamped to [0, 100], or -1 when the total is
// unknown.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return -1
	}
	pct := float64(s.Bytes) / float64(s.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ETA derives the remaining time from the smoothed rate, 0 when unknowable.
func (s Snapshot) ETA() time.Duration {
	if s.Total <= 0 || s.Rate <= 0 || s.Bytes >= s.Total {
		return 0
	}
	return time.Duration(float64(s.Total-s.Bytes) / s.Rate * float64(time.Second))
}

// ewmaAlpha weights the newest rate sample. Low enough to absorb bursty
// reads, high enough to converge within a few samples.
const ewmaAlpha = 0.3

// Tracker accumulates byte observations for one job phase and produces
// snapshots with an exponentially smoothed rate. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	phase    Phase
	started  time.Time
	lastSeen time.Time
	bytes    int64
	total    int64
	rate     float64
	detail   string
	now      func() time.Time
}

// NewTracker starts tracking a phase from zero bytes.
func NewTracker(phase Phase) *Tracker {
	t := &Tracker{phase: phase, now: time.Now}
	t.started = t.now()
	t.lastSeen = t.started
	return t
}

// Observe records cumulative progress. Bytes must be non-decreasing within a
// phase; total may be 0 for indeterminate sources.
func (t *Tracker) Observe(bytes, total int64, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if dt := now.Sub(t.lastSeen).Seconds(); dt > 0 && bytes > t.bytes {
		instant := float64(bytes-t.bytes) / dt
		if t.rate == 0 {
			t.rate = instant
		} else {
			t.rate = ewmaAlpha*instant + (1-ewmaAlpha)*t.rate
		}
	}
	t.lastSeen = now
	t.bytes = bytes
	t.total = total
	t.detail = detail
}

// SwitchPhase resets byte accounting for the next stage while keeping the
// job's overall start time out of it.
func (t *Tracker) SwitchPhase(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.started = t.now()
	t.lastSeen = t.started
	t.bytes = 0
	t.total = 0
	t.rate = 0
	t.detail = ""
}

// Snapshot returns the current view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Phase:   t.phase,
		Bytes:   t.bytes,
		Total:   t.total,
		Elapsed: t.now().Sub(t.started),
		Rate:    t.rate,
		Detail:  t.detail,
	}
}

// Reporter rate-limits rendered updates. Renders pass through at most once
// per interval, except that a phase change or completion always renders
// immediately.
type Reporter struct {
	mu        sync.Mutex
	interval  time.Duration
	lastSent  time.Time
	lastPhase Phase
	now       func() time.Time
}

// NewReporter builds a reporter with the given minimum interval between
// ordinary updates.
func NewReporter(interval time.Duration) *Reporter {
	return &Reporter{interval: interval, now: time.Now}
}

// Report renders a snapshot if due. The boolean is false when the update was
// suppressed by the rate limit.
func (r *Reporter) Report(s Snapshot) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bypass := s.Phase != r.lastPhase || s.Phase == PhaseDone
	if !bypass && !r.lastSent.IsZero() && now.Sub(r.lastSent) < r.interval {
		return "", false
	}
	r.lastSent = now
	r.lastPhase = s.Phase
	return Render(s), true
}

const barCells = 20

var spinnerFrames = []string{"|", "/", "-", "\\"}

// Render formats one snapshot as a single-line textual update. Known totals
// get a cell bar with percent, rate, and ETA; indeterminate totals fall back
// to elapsed time with a spinner.
func Render(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", s.Phase)

	if pct := s.Percent(); pct >= 0 {
		filled := int(pct / 100 * barCells)
		if filled > barCells {
			filled = barCells
		}
		b.WriteString(strings.Repeat("●", filled))
		b.WriteString(strings.Repeat("○", barCells-filled))
		fmt.Fprintf(&b, " %.1f%% (%s / %s)", pct,
			humanize.IBytes(uint64(s.Bytes)), humanize.IBytes(uint64(s.Total)))
		if s.Rate > 0 {
			fmt.Fprintf(&b, " at %s/s", humanize.IBytes(uint64(s.Rate)))
		}
		if eta := s.ETA(); eta > 0 {
			fmt.Fprintf(&b, ", ETA %s", formatDuration(eta))
		}
	} else {
		frame := spinnerFrames[int(s.Elapsed/time.Second)%len(spinnerFrames)]
		fmt.Fprintf(&b, "%s %s elapsed", frame, formatDuration(s.Elapsed))
		if s.Bytes > 0 {
			fmt.Fprintf(&b, ", %s", humanize.IBytes(uint64(s.Bytes)))
			if s.Rate > 0 {
				fmt.Fprintf(&b, " at %s/s", humanize.IBytes(uint64(s.Rate)))
			}
		}
	}

	if s.Detail != "" {
		fmt.Fprintf(&b, " - %s", s.Detail)
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
