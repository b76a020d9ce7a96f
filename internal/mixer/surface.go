package mixer

import (
	"errors"
	"fmt"
)

// Roles maps the logical controls the supervisor needs onto mixer element
// names, straight from the [Controls] config section.
type Roles struct {
	VSense         string
	ISense         string
	AmpGain        string
	Volume         string
	PlaybackDetect string // optional
}

// ErrNoPlaybackHint is returned by PlaybackActive when the config named no
// playback_detect element.
var ErrNoPlaybackHint = errors.New("mixer: no playback detect element configured")

// Surface binds the daemon's control roles to typed elements. It is created
// once at startup; any element that cannot be resolved or has the wrong shape
// is a fatal configuration problem.
type Surface struct {
	port Port

	vsense   *SwitchControl
	isense   *SwitchControl
	gain     *GainControl
	volume   *IntControl
	playback *SwitchControl // nil when not configured

	channels int
}

// Open resolves every role against the port. channels is the number of
// protected speakers; the amp gain element must carry at least that many
// values.
func Open(port Port, roles Roles, channels int) (*Surface, error) {
	s := &Surface{port: port, channels: channels}

	elem, err := port.Find(roles.VSense)
	if err != nil {
		return nil, fmt.Errorf("vsense %q: %w", roles.VSense, err)
	}
	if s.vsense, err = NewSwitchControl(elem); err != nil {
		return nil, err
	}

	if elem, err = port.Find(roles.ISense); err != nil {
		return nil, fmt.Errorf("isense %q: %w", roles.ISense, err)
	}
	if s.isense, err = NewSwitchControl(elem); err != nil {
		return nil, err
	}

	if elem, err = port.Find(roles.AmpGain); err != nil {
		return nil, fmt.Errorf("amp_gain %q: %w", roles.AmpGain, err)
	}
	if s.gain, err = NewGainControl(elem); err != nil {
		return nil, err
	}
	if got := s.gain.Info().Count; got < channels {
		return nil, fmt.Errorf("%w: amp_gain %q carries %d values, %d speakers configured",
			ErrShortValues, roles.AmpGain, got, channels)
	}

	if elem, err = port.Find(roles.Volume); err != nil {
		return nil, fmt.Errorf("volume %q: %w", roles.Volume, err)
	}
	if s.volume, err = NewIntControl(elem); err != nil {
		return nil, err
	}

	if roles.PlaybackDetect != "" {
		if elem, err = port.Find(roles.PlaybackDetect); err != nil {
			return nil, fmt.Errorf("playback_detect %q: %w", roles.PlaybackDetect, err)
		}
		if s.playback, err = NewSwitchControl(elem); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// EnableSense switches the V/ISENSE capture feeds on or off.
func (s *Surface) EnableSense(on bool) error {
	if err := s.vsense.Set(on); err != nil {
		return err
	}
	return s.isense.Set(on)
}

// WriteGains writes one ceiling per speaker to the amp gain element. All
// values land in a single element write, so the whole vector is applied
// before the next capture period is consumed.
func (s *Surface) WriteGains(db []float64) error {
	if len(db) != s.channels {
		return fmt.Errorf("%w: %d gains for %d speakers", ErrShortValues, len(db), s.channels)
	}

	cur, err := s.gain.Raw()
	if err != nil {
		return err
	}
	for i, v := range db {
		cur[i] = s.gain.RawForDB(v)
	}
	return s.gain.Set(cur)
}

// ReadGains returns the amp gain element's current per-speaker values in dB.
// The supervisor re-reads before every ceiling computation so a transient
// external write is overwritten within one period.
func (s *Surface) ReadGains() ([]float64, error) {
	all, err := s.gain.DB()
	if err != nil {
		return nil, err
	}
	return all[:s.channels], nil
}

// Gain exposes the underlying gain control.
func (s *Surface) Gain() *GainControl { return s.gain }

// Volume exposes the speaker volume control.
func (s *Surface) Volume() *IntControl { return s.volume }

// PlaybackActive polls the optional playback activity hint.
func (s *Surface) PlaybackActive() (bool, error) {
	if s.playback == nil {
		return false, ErrNoPlaybackHint
	}
	return s.playback.On()
}

// HasPlaybackHint reports whether a playback_detect element was configured.
func (s *Surface) HasPlaybackHint() bool { return s.playback != nil }

// Close releases the control port.
func (s *Surface) Close() error {
	return s.port.Close()
}
