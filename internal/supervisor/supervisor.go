// Package supervisor drives the safety control loop: capture a period of
// V/ISENSE, step every speaker's thermal model, arbitrate gain ceilings,
// write them to the mixer, feed the blackbox and the interlock heartbeat.
//
// The loop is single-owner by construction. One goroutine owns every piece
// of mutable state — speakers, mixer writes, interlock — so the hot path has
// no locks and the ordering guarantee (the write for period k completes
// before any sample of period k+1 is consumed) falls out of the control flow.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/linuxmatters/coilwatch/internal/blackbox"
	"github.com/linuxmatters/coilwatch/internal/capture"
	"github.com/linuxmatters/coilwatch/internal/interlock"
	"github.com/linuxmatters/coilwatch/internal/mixer"
	"github.com/linuxmatters/coilwatch/internal/thermal"
)

// Defaults for the loop knobs that are not worth a config key.
const (
	// DefaultNoiseFloorW is the summed sense power below which the stream
	// counts as silent for idle detection.
	DefaultNoiseFloorW = 1e-3

	// DefaultIdleAfter is how long playback must stay silent before the
	// supervisor stops capturing and falls back to polling.
	DefaultIdleAfter = 5 * time.Second

	// DefaultIdlePoll is the sleep between idle polls. It must stay well
	// inside the interlock deadline, which is a small number of capture
	// periods.
	DefaultIdlePoll = 250 * time.Millisecond

	// DefaultMaxTransients is how many consecutive xruns are tolerated
	// before the capture path is declared broken.
	DefaultMaxTransients = 5
)

// Fatal fault classes, for logs and exit-code mapping.
var (
	ErrCaptureBroken = errors.New("supervisor: capture stream failing persistently")
	ErrModelFault    = errors.New("supervisor: thermal model fault sustained")
	ErrControlPlane  = errors.New("supervisor: mixer control plane failure")
)

// Channel pins one configured speaker to its sense channels.
type Channel struct {
	Speaker *thermal.Speaker
	VSChan  int
	ISChan  int
}

// Options tunes the loop. Zero values pick the defaults above.
type Options struct {
	LinkGains     bool
	NoiseFloorW   float64
	IdleAfter     time.Duration
	IdlePoll      time.Duration
	MaxTransients int

	// FaultWindow is how long a per-speaker model fault may persist before
	// it escalates to fatal; wired from t_window. Zero picks 5 s.
	FaultWindow time.Duration
}

// Supervisor owns the control loop state.
type Supervisor struct {
	channels []Channel
	groups   []int

	pipe    *capture.Pipeline
	surface *mixer.Surface
	lock    *interlock.Interlock
	box     *blackbox.Recorder // nil disables the blackbox
	logger  *log.Logger
	opts    Options

	transients int
	quietFor   float64
	lastWake   time.Time

	// now and sleep are indirected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New wires the loop. box may be nil.
func New(channels []Channel, pipe *capture.Pipeline, surface *mixer.Surface,
	lock *interlock.Interlock, box *blackbox.Recorder, logger *log.Logger, opts Options,
) *Supervisor {
	if opts.NoiseFloorW <= 0 {
		opts.NoiseFloorW = DefaultNoiseFloorW
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = DefaultIdleAfter
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = DefaultIdlePoll
	}
	if opts.MaxTransients <= 0 {
		opts.MaxTransients = DefaultMaxTransients
	}
	if opts.FaultWindow <= 0 {
		opts.FaultWindow = 5 * time.Second
	}

	groups := make([]int, len(channels))
	for i, ch := range channels {
		groups[i] = ch.Speaker.Group
	}

	return &Supervisor{
		channels: channels,
		groups:   groups,
		pipe:     pipe,
		surface:  surface,
		lock:     lock,
		box:      box,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run executes the loop until the context is cancelled or a fatal fault
// occurs. Once sense capture has been enabled, every return path surrenders
// the interlock, disables sense capture and closes the capture stream; if
// enabling sense capture fails, Run returns without that cleanup.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.surface.EnableSense(true); err != nil {
		return fmt.Errorf("%w: enabling sense capture: %s", ErrControlPlane, err)
	}

	defer func() {
		// Shutdown order matters: the driver must be back in safe-mode
		// before the sense feeds stop.
		if err := s.lock.Surrender(); err != nil {
			s.logger.Error("surrendering interlock", "err", err)
		}
		if err := s.surface.EnableSense(false); err != nil {
			s.logger.Error("disabling sense capture", "err", err)
		}
		s.pipe.Close()
		if s.box != nil {
			if err := s.box.Close(); err != nil {
				s.logger.Error("closing blackbox", "err", err)
			}
		}
	}()

	s.lastWake = s.now()
	idle := false

	for {
		if ctx.Err() != nil {
			s.logger.Info("shutting down", "reason", context.Cause(ctx))
			return nil
		}

		var err error
		if idle {
			idle, err = s.idleTick(ctx)
		} else {
			idle, err = s.activeTick()
		}
		if err != nil {
			s.fatal(err)
			return err
		}
	}
}

// activeTick runs one capture-driven iteration. It returns whether the loop
// should switch to idle polling.
func (s *Supervisor) activeTick() (bool, error) {
	period, err := s.pipe.Read()
	if err != nil {
		if !errors.Is(err, capture.ErrXrun) {
			return false, fmt.Errorf("%w: %s", ErrCaptureBroken, err)
		}
		s.transients++
		s.logger.Warn("capture transient, reopening", "consecutive", s.transients)
		if s.transients >= s.opts.MaxTransients {
			return false, fmt.Errorf("%w: %d consecutive transients", ErrCaptureBroken, s.transients)
		}
		// No data for this period; keep the heartbeat alive while the
		// device comes back.
		if s.lock.Unlocked() {
			if err := s.lock.Keepalive(); err != nil {
				return false, fmt.Errorf("%w: %s", ErrControlPlane, err)
			}
		}
		return false, nil
	}
	s.transients = 0
	s.lastWake = s.now()

	total, err := s.step(period)
	if err != nil {
		return false, err
	}

	// Idle entry: sustained silence, and only when the driver exposes a
	// playback hint we can poll instead.
	if total < s.opts.NoiseFloorW {
		s.quietFor += period.DT
	} else {
		s.quietFor = 0
	}
	if s.quietFor >= s.opts.IdleAfter.Seconds() && s.surface.HasPlaybackHint() {
		s.logger.Debug("entering idle", "quiet_s", s.quietFor)
		return true, nil
	}
	return false, nil
}

// idleTick sleeps one poll interval, applies the elapsed time to the models
// (they keep decaying toward ambient), and checks the playback hint. Idle
// never releases the interlock: the heartbeat continues at poll cadence.
func (s *Supervisor) idleTick(ctx context.Context) (bool, error) {
	s.sleep(ctx, s.opts.IdlePoll)

	wake := s.now()
	dt := wake.Sub(s.lastWake).Seconds()
	s.lastWake = wake

	if _, err := s.stepIdle(dt); err != nil {
		return false, err
	}

	active, err := s.surface.PlaybackActive()
	if err != nil {
		return false, fmt.Errorf("%w: polling playback hint: %s", ErrControlPlane, err)
	}
	if active {
		s.logger.Debug("leaving idle, playback detected")
		s.quietFor = 0
		return false, nil
	}
	return true, nil
}

// step runs the model update → arbitration → mixer write → blackbox →
// heartbeat sequence for one captured period. It returns the summed mean
// power across speakers for idle detection.
func (s *Supervisor) step(period *capture.Period) (float64, error) {
	// Re-read the gain element first so a transient external write is
	// replaced by this period's arbitration rather than surviving.
	if _, err := s.surface.ReadGains(); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrControlPlane, err)
	}

	results := make([]thermal.Result, len(s.channels))
	ceilings := make([]float64, len(s.channels))
	total := 0.0
	for i, ch := range s.channels {
		res := ch.Speaker.Step(period.Channels[ch.VSChan], period.Channels[ch.ISChan], period.DT)
		results[i] = res
		ceilings[i] = res.Ceiling
		total += res.Power

		if res.Fault {
			s.logger.Error("model fault, ceiling pinned",
				"speaker", ch.Speaker.Name,
				"fault_s", ch.Speaker.FaultDuration())
		}
		if ch.Speaker.FaultDuration() > s.opts.FaultWindow.Seconds() {
			return 0, fmt.Errorf("%w: %s faulted for %.1fs",
				ErrModelFault, ch.Speaker.Name, ch.Speaker.FaultDuration())
		}
	}

	if err := s.writeCeilings(ceilings); err != nil {
		return 0, err
	}
	s.record(results)

	// The interlock is raised only after the first full period has produced
	// a ceiling, and fed on every one after that.
	if err := s.lock.Unlock(); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrControlPlane, err)
	}
	if err := s.lock.Keepalive(); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrControlPlane, err)
	}

	return total, nil
}

// stepIdle advances every model by dt with zero captured power and keeps the
// ceilings and heartbeat current.
func (s *Supervisor) stepIdle(dt float64) ([]thermal.Result, error) {
	results := make([]thermal.Result, len(s.channels))
	ceilings := make([]float64, len(s.channels))
	for i, ch := range s.channels {
		res := ch.Speaker.Step(nil, nil, dt)
		results[i] = res
		ceilings[i] = res.Ceiling
	}

	if err := s.writeCeilings(ceilings); err != nil {
		return nil, err
	}
	s.record(results)

	if s.lock.Unlocked() {
		if err := s.lock.Keepalive(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrControlPlane, err)
		}
	}
	return results, nil
}

func (s *Supervisor) writeCeilings(ceilings []float64) error {
	effective := thermal.Arbitrate(s.groups, ceilings, s.opts.LinkGains)
	if err := s.surface.WriteGains(effective); err != nil {
		return fmt.Errorf("%w: %s", ErrControlPlane, err)
	}
	return nil
}

func (s *Supervisor) record(results []thermal.Result) {
	if s.box == nil {
		return
	}
	now := s.now()
	samples := make([]blackbox.Sample, len(results))
	for i, res := range results {
		samples[i] = blackbox.Sample{
			Time:    now,
			Speaker: s.channels[i].Speaker.Name,
			State:   res.State.String(),
			Volts:   res.Volts,
			Amps:    res.Amps,
			Power:   res.Power,
			TCoil:   res.TCoil,
			TMagnet: res.TMagnet,
			Ceiling: res.Ceiling,
		}
	}
	if err := s.box.Record(samples); err != nil {
		// The blackbox is diagnostics, not safety; log and keep protecting.
		s.logger.Warn("blackbox write failed", "err", err)
	}
}

// fatal collapses output to the floor and dumps the blackbox ring before the
// loop returns its error. The deferred shutdown in Run then surrenders the
// interlock, so the driver clamps even if these writes fail too.
func (s *Supervisor) fatal(cause error) {
	s.logger.Error("fatal fault", "err", cause)

	floor := make([]float64, len(s.channels))
	for i := range floor {
		floor[i] = thermal.CeilingFloorDB
	}
	if err := s.surface.WriteGains(floor); err != nil {
		s.logger.Error("writing safe-mode gains", "err", err)
	}

	if s.box != nil {
		if path, err := s.box.DumpFault(s.now()); err != nil {
			s.logger.Error("blackbox fault dump failed", "err", err)
		} else {
			s.logger.Info("blackbox fault dump written", "path", path)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
