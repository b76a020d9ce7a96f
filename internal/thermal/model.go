// Package thermal estimates voice-coil and magnet temperature from the
// VSENSE/ISENSE streams and derives the per-channel gain ceiling that keeps
// both below the configured limit.
//
// The model is a two-node lumped circuit: coil and magnet are independent
// first-order low-pass responses to the same electrical dissipation, with
// their own time constants and thermal resistances. There is no coil→magnet
// coupling term; the parameter sets carry magnet time constants far above the
// coil's, which only makes sense for an independently driven node.
package thermal

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Params is the static parameter set for one speaker, fixed at startup.
type Params struct {
	Name  string
	Group int

	TRCoil   float64 // °C/W coil-to-ambient thermal resistance
	TRMagnet float64 // °C/W magnet-to-ambient thermal resistance
	TauCoil  float64 // s
	TauMag   float64 // s

	TLimit    float64 // °C absolute limit
	THeadroom float64 // °C backoff headroom below the limit

	ZNominal float64 // Ω nominal coil impedance
	ZShunt   float64 // Ω series shunt subtracted from the voltage sense

	AT20C float64 // resistance temperature coefficient at 20 °C (1/°C)
	AT35C float64 // resistance temperature coefficient at 35 °C (1/°C)

	ISScale float64 // amps at ISENSE full scale
	VSScale float64 // volts at VSENSE full scale
}

// State is the per-speaker controller state.
type State int

const (
	// Cold is the initial state, before the first capture period lands.
	Cold State = iota
	// Nominal means the ceiling is at 0 dB and temperatures have margin.
	Nominal
	// Engaged means the ceiling is actively attenuating.
	Engaged
	// Cooling means the hysteresis band has been cleared and the ceiling is
	// relaxing back toward 0 dB.
	Cooling
	// Faulted means the last step saw inputs the model cannot trust. The
	// ceiling is pinned at the floor until good data returns.
	Faulted
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Nominal:
		return "nominal"
	case Engaged:
		return "engaged"
	case Cooling:
		return "cooling"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Controller tuning. Rates are per second so behaviour is identical at 48 kHz
// and 96 kHz capture; the step scales them by dt.
const (
	// CeilingFloorDB mirrors the hardware safe-mode attenuation.
	CeilingFloorDB = -18.0

	// attackDBPerDegSec converts negative margin into attenuation rate.
	attackDBPerDegSec = 2.0

	// attackMaxDBPerSec caps the attenuation rate so engagement does not pump.
	attackMaxDBPerSec = 8.0

	// releaseDBPerSec bounds how fast the ceiling relaxes toward 0 dB.
	releaseDBPerSec = 1.0

	// alphaLowC / alphaHighC anchor the temperature-coefficient interpolation.
	alphaLowC  = 20.0
	alphaHighC = 35.0

	// hardFaultC is the model-divergence ceiling. Legitimate over-temperature
	// — even the unattenuated steady state of a cooking woofer — is the
	// controller's job and stays hundreds of degrees below this; copper is
	// molten long before it. A predicted temperature past it means the model
	// is producing garbage, not that the speaker is hot.
	hardFaultC = 1000.0
)

// Speaker is the mutable thermal and controller state for one channel. It is
// owned by the supervisor loop and must not be shared across goroutines.
type Speaker struct {
	Params

	TAmbient float64 // °C
	THyst    float64 // °C hysteresis band
	TWindow  float64 // s magnet smoothing window

	TCoil   float64 // °C
	TMagnet float64 // °C
	Ceiling float64 // dB, always <= 0

	state State

	powerSlow float64 // W, windowed dissipation driving the magnet node
	faultFor  float64 // s of consecutive faulted steps

	scratch []float64 // per-period |V·I| samples, reused across steps
}

// Result is one step's outputs, in the shape the blackbox records.
type Result struct {
	Volts   float64 // V, mean |VSENSE| over the period
	Amps    float64 // A, mean |ISENSE| over the period
	Power   float64 // W, mean dissipation over the period
	TCoil   float64 // °C
	TMagnet float64 // °C
	Ceiling float64 // dB
	State   State
	Fault   bool
}

// NewSpeaker returns a speaker at ambient temperature in the Cold state.
func NewSpeaker(p Params, ambient, hyst, window float64) *Speaker {
	return &Speaker{
		Params:   p,
		TAmbient: ambient,
		THyst:    hyst,
		TWindow:  window,
		TCoil:    ambient,
		TMagnet:  ambient,
		Ceiling:  0,
		state:    Cold,
	}
}

// State reports the controller state.
func (s *Speaker) State() State { return s.state }

// FaultDuration reports how long the model has been running on untrusted
// inputs, in seconds. Zero when healthy.
func (s *Speaker) FaultDuration() float64 { return s.faultFor }

// Step advances the model by one capture period. vsense and isense are the
// period's raw normalised samples for this speaker's two sense channels; dt is
// the wall-clock span of the period in seconds.
//
// dt == 0 is a no-op: thermal state and ceiling are returned unchanged.
// Non-finite samples, non-finite or negative dt, and temperatures beyond the
// hard-fault ceiling all take the fault path: the ceiling is pinned to the
// floor and the fault clock runs until a good period arrives.
func (s *Speaker) Step(vsense, isense []float64, dt float64) Result {
	if dt == 0 {
		return s.result(sense{power: s.powerSlow}, false)
	}

	if !goodInterval(dt) || !allFinite(vsense) || !allFinite(isense) {
		return s.fault(math.Abs(dt))
	}

	period := s.meanPower(vsense, isense)
	power := period.power

	// The hot-node reading the previous period reported; the controller must
	// not raise the ceiling on the step right after a reading at or above
	// the engage threshold, however fast the node cools.
	hotPrev := s.TCoil
	if s.TMagnet > hotPrev {
		hotPrev = s.TMagnet
	}

	// Coil and magnet are parallel single-pole low-pass filters of the
	// dissipation. The magnet sees the windowed average rather than the raw
	// period power: its mass responds to minutes of history, and smoothing
	// keeps the ceiling from chattering on bursty program material.
	s.powerSlow = lowpass(s.powerSlow, power, dt, s.TWindow)
	s.TCoil = node(s.TCoil, s.TAmbient, power, s.TRCoil, dt, s.TauCoil)
	s.TMagnet = node(s.TMagnet, s.TAmbient, s.powerSlow, s.TRMagnet, dt, s.TauMag)

	if s.TCoil > hardFaultC || s.TMagnet > hardFaultC {
		return s.fault(dt)
	}

	s.faultFor = 0
	s.advance(dt, hotPrev)

	return s.result(period, false)
}

// sense is one period's electrical summary: mean rectified volts and amps as
// measured, plus the corrected mean dissipation driving the model.
type sense struct {
	volts float64
	amps  float64
	power float64
}

// meanPower converts one period of raw sense samples into the period summary,
// including the shunt and hot-coil resistance corrections on the wattage.
func (s *Speaker) meanPower(vsense, isense []float64) sense {
	n := len(vsense)
	if len(isense) < n {
		n = len(isense)
	}
	if n == 0 {
		return sense{}
	}

	// Hot copper has higher resistance. The sense streams were scaled against
	// the nominal impedance, so without this correction the model would
	// under-count dissipation exactly when the coil is most at risk.
	correction := s.resistance() / s.ZNominal

	if cap(s.scratch) < n {
		s.scratch = make([]float64, n)
	}
	s.scratch = s.scratch[:n]

	var sumV, sumI float64
	for k := 0; k < n; k++ {
		volts := vsense[k] * s.VSScale
		amps := isense[k] * s.ISScale
		sumV += math.Abs(volts)
		sumI += math.Abs(amps)
		// z_shunt models the series sense resistor: the voltage it drops is
		// not dissipated in the coil.
		volts -= amps * s.ZShunt
		s.scratch[k] = math.Abs(volts*amps) * correction
	}

	return sense{
		volts: sumV / float64(n),
		amps:  sumI / float64(n),
		power: stat.Mean(s.scratch, nil),
	}
}

// resistance returns the effective coil resistance at the current coil
// temperature, using the temperature coefficient interpolated between the
// 20 °C and 35 °C calibration points.
func (s *Speaker) resistance() float64 {
	alpha := s.alphaAt(s.TCoil)
	r := s.ZNominal * (1 + alpha*(s.TCoil-alphaLowC))
	if r < s.ZNominal {
		// A cold coil below 20 °C reads slightly under nominal; never let the
		// correction reduce counted power.
		return s.ZNominal
	}
	return r
}

func (s *Speaker) alphaAt(temp float64) float64 {
	switch {
	case temp <= alphaLowC:
		return s.AT20C
	case temp >= alphaHighC:
		return s.AT35C
	default:
		frac := (temp - alphaLowC) / (alphaHighC - alphaLowC)
		return s.AT20C + frac*(s.AT35C-s.AT20C)
	}
}

// fault pins the ceiling at the floor and accounts the fault time. elapsed is
// the best available estimate of the period span; callers pass |dt| so a
// corrupt negative dt still advances the escalation clock.
func (s *Speaker) fault(elapsed float64) Result {
	if !goodInterval(elapsed) {
		// Even the magnitude is unusable; charge one nominal period so a
		// stream of garbage still escalates.
		elapsed = nominalPeriodSec
	}
	s.faultFor += elapsed
	s.Ceiling = CeilingFloorDB
	s.state = Faulted
	return s.result(sense{}, true)
}

// nominalPeriodSec is only used to advance the fault clock when dt itself is
// corrupt: 4096 frames at 48 kHz.
const nominalPeriodSec = 4096.0 / 48000.0

func (s *Speaker) result(period sense, fault bool) Result {
	return Result{
		Volts:   period.volts,
		Amps:    period.amps,
		Power:   period.power,
		TCoil:   s.TCoil,
		TMagnet: s.TMagnet,
		Ceiling: s.Ceiling,
		State:   s.state,
		Fault:   fault,
	}
}

// node advances one thermal mass by dt: exponential decay toward ambient plus
// the dissipation-driven rise toward its steady state.
func node(temp, ambient, power, tr, dt, tau float64) float64 {
	decay := math.Exp(-dt / tau)
	return ambient + (temp-ambient)*decay + power*tr*(1-decay)
}

// lowpass is a first-order smoother with time constant tau, stepped by dt.
func lowpass(state, input, dt, tau float64) float64 {
	if tau <= 0 {
		return input
	}
	blend := 1 - math.Exp(-dt/tau)
	return state + (input-state)*blend
}

func goodInterval(dt float64) bool {
	return dt > 0 && !math.IsNaN(dt) && !math.IsInf(dt, 0)
}

func allFinite(samples []float64) bool {
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
