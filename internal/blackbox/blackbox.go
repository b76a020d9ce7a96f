// Package blackbox keeps a rotating on-disk record of recent control state
// for post-mortem analysis: per channel and period, the mean sense power,
// both model temperatures, the gain ceiling and the controller state.
//
// Two artifacts come out of it. A rotating CSV stream records everything as
// it happens, and an in-memory ring of the last few seconds is dumped to its
// own file when the supervisor hits a fatal fault, so a crash always leaves
// the moments that mattered.
package blackbox

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lestrrat-go/strftime"
)

const (
	// maxFileBytes rotates the live CSV before it grows unwieldy.
	maxFileBytes = 8 << 20

	// filePattern and faultPattern name the rotating and fault-dump files.
	filePattern  = "coilwatch-%Y%m%d-%H%M%S.csv"
	faultPattern = "coilwatch-fault-%Y%m%d-%H%M%S.csv"

	// dirMode keeps the state directory private to the owning service user;
	// group and others get no access.
	dirMode = 0o700
)

var header = []string{
	"time", "speaker", "state", "v_mean", "i_mean", "power_w", "t_coil_c", "t_magnet_c", "ceiling_db",
}

// Sample is one speaker's state after one supervisor period. Volts and Amps
// are the period's mean rectified sense readings; a post-mortem needs the
// electrical drive, not just the wattage the model derived from it.
type Sample struct {
	Time    time.Time
	Speaker string
	State   string
	Volts   float64
	Amps    float64
	Power   float64
	TCoil   float64
	TMagnet float64
	Ceiling float64
}

// Recorder owns the blackbox directory. Single-writer; only the supervisor
// loop touches it.
type Recorder struct {
	dir     string
	window  time.Duration
	pattern *strftime.Strftime
	fault   *strftime.Strftime

	file    *os.File
	writer  *csv.Writer
	written int64

	ring []Sample
}

// Open prepares the blackbox directory, creating it 0700 if needed, and
// starts the first rotating file. window bounds how much history the fault
// ring retains.
func Open(dir string, window time.Duration) (*Recorder, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("creating blackbox dir %s: %w", dir, err)
	}
	// MkdirAll mode is filtered through the umask; pin it.
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, fmt.Errorf("setting blackbox dir mode: %w", err)
	}

	pattern, err := strftime.New(filePattern)
	if err != nil {
		return nil, fmt.Errorf("blackbox file pattern: %w", err)
	}
	fault, err := strftime.New(faultPattern)
	if err != nil {
		return nil, fmt.Errorf("blackbox fault pattern: %w", err)
	}

	r := &Recorder{dir: dir, window: window, pattern: pattern, fault: fault}
	if err := r.rotate(time.Now()); err != nil {
		return nil, err
	}
	return r, nil
}

// Record appends one period's samples to the rotating file and the fault
// ring.
func (r *Recorder) Record(samples []Sample) error {
	for _, s := range samples {
		r.ring = append(r.ring, s)
		if err := r.writer.Write(row(s)); err != nil {
			return fmt.Errorf("blackbox write: %w", err)
		}
		r.written += 64 // close enough for rotation accounting
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		return fmt.Errorf("blackbox flush: %w", err)
	}

	r.trimRing()
	if r.written >= maxFileBytes {
		return r.rotate(time.Now())
	}
	return nil
}

// DumpFault writes the ring to a dedicated fault file. Called on the fatal
// path; errors are reported but the caller is exiting either way.
func (r *Recorder) DumpFault(now time.Time) (string, error) {
	path := filepath.Join(r.dir, r.fault.FormatString(now))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("blackbox fault dump: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("blackbox fault dump: %w", err)
	}
	for _, s := range r.ring {
		if err := w.Write(row(s)); err != nil {
			return "", fmt.Errorf("blackbox fault dump: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("blackbox fault dump: %w", err)
	}
	return path, nil
}

// Close flushes and closes the rotating file.
func (r *Recorder) Close() error {
	if r.file == nil {
		return nil
	}
	r.writer.Flush()
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Recorder) rotate(now time.Time) error {
	if r.file != nil {
		r.writer.Flush()
		r.file.Close()
	}

	path := filepath.Join(r.dir, r.pattern.FormatString(now))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening blackbox file %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.written = 0
	if err := r.writer.Write(header); err != nil {
		return fmt.Errorf("blackbox header: %w", err)
	}
	return nil
}

// trimRing drops ring entries older than the retention window.
func (r *Recorder) trimRing() {
	if len(r.ring) == 0 {
		return
	}
	cutoff := r.ring[len(r.ring)-1].Time.Add(-r.window)
	drop := 0
	for drop < len(r.ring) && r.ring[drop].Time.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		r.ring = append(r.ring[:0], r.ring[drop:]...)
	}
}

func row(s Sample) []string {
	return []string{
		s.Time.UTC().Format(time.RFC3339Nano),
		s.Speaker,
		s.State,
		strconv.FormatFloat(s.Volts, 'f', 3, 64),
		strconv.FormatFloat(s.Amps, 'f', 3, 64),
		strconv.FormatFloat(s.Power, 'f', 3, 64),
		strconv.FormatFloat(s.TCoil, 'f', 2, 64),
		strconv.FormatFloat(s.TMagnet, 'f', 2, 64),
		strconv.FormatFloat(s.Ceiling, 'f', 2, 64),
	}
}
