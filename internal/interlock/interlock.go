// Package interlock negotiates output authority with the amp kernel driver.
//
// The driver boots with every output clamped to safe-mode (−18 dB) and only
// releases the clamp while a live supervisor keeps feeding it heartbeats. The
// protocol is three messages: unlock once at start, a keepalive every capture
// period, and a surrender on the way out. Missing keepalives make the driver
// fall back to safe-mode on its own, so every failure mode of this process —
// crash, hang, kill — converges to protected output.
package interlock

import (
	"errors"
	"fmt"

	"github.com/linuxmatters/coilwatch/internal/mixer"
)

// Transport carries the out-of-band messages to the driver.
type Transport interface {
	Unlock() error
	Keepalive() error
	Surrender() error
}

// ErrNotUnlocked is returned by Keepalive before a successful Unlock.
var ErrNotUnlocked = errors.New("interlock: not unlocked")

// Interlock tracks the handshake state around a Transport.
type Interlock struct {
	transport Transport
	unlocked  bool
}

// New wraps a transport; the driver stays in safe-mode until Unlock.
func New(t Transport) *Interlock {
	return &Interlock{transport: t}
}

// Unlock asks the driver to leave boot-time safe-mode. Called exactly once,
// after the first capture period has produced a gain ceiling.
func (l *Interlock) Unlock() error {
	if l.unlocked {
		return nil
	}
	if err := l.transport.Unlock(); err != nil {
		return fmt.Errorf("interlock unlock: %w", err)
	}
	l.unlocked = true
	return nil
}

// Keepalive confirms liveness for one more period.
func (l *Interlock) Keepalive() error {
	if !l.unlocked {
		return ErrNotUnlocked
	}
	if err := l.transport.Keepalive(); err != nil {
		return fmt.Errorf("interlock keepalive: %w", err)
	}
	return nil
}

// Surrender returns the driver to safe-mode. Idempotent; safe to call from a
// deferred shutdown path even if Unlock never happened.
func (l *Interlock) Surrender() error {
	if !l.unlocked {
		return nil
	}
	l.unlocked = false
	if err := l.transport.Surrender(); err != nil {
		return fmt.Errorf("interlock surrender: %w", err)
	}
	return nil
}

// Unlocked reports whether the driver has been released from safe-mode.
func (l *Interlock) Unlocked() bool { return l.unlocked }

// ---------------------------------------------------------------------------

// DefaultSafeModeElement is the safe-mode switch name smart-amp drivers in
// the documented playback graph expose when the config does not override it.
const DefaultSafeModeElement = "Speaker Safe Mode"

// MixerTransport drives the handshake through the driver's safe-mode switch
// element: clearing the switch releases the clamp, rewriting it is the
// heartbeat the driver's watchdog arms itself on, setting it surrenders.
type MixerTransport struct {
	sw *mixer.SwitchControl
}

// NewMixerTransport resolves the safe-mode element on the control port.
func NewMixerTransport(port mixer.Port, element string) (*MixerTransport, error) {
	elem, err := port.Find(element)
	if err != nil {
		return nil, fmt.Errorf("safe-mode element %q: %w", element, err)
	}
	sw, err := mixer.NewSwitchControl(elem)
	if err != nil {
		return nil, err
	}
	return &MixerTransport{sw: sw}, nil
}

// Unlock clears the safe-mode switch.
func (t *MixerTransport) Unlock() error { return t.sw.Set(false) }

// Keepalive rewrites the cleared switch; the write itself is the heartbeat.
func (t *MixerTransport) Keepalive() error { return t.sw.Set(false) }

// Surrender re-engages safe-mode.
func (t *MixerTransport) Surrender() error { return t.sw.Set(true) }
