// Package capture reads the V/ISENSE PCM stream in fixed periods and presents
// per-channel physical-order samples to the thermal model.
//
// The stream primitive itself (device open, hw params, blocking reads) is the
// audio backend's job; this package owns period alignment, deinterleaving,
// xrun recovery and dt bookkeeping. Sample rate is re-discovered on every
// reopen, so a device that comes back at 96 kHz instead of 48 kHz just
// shrinks dt — the model is rate-invariant.
package capture

import (
	"errors"
	"fmt"
)

// Stream is one open capture stream, as supplied by the audio backend.
// ReadPeriod blocks for at most a few periods and fills dst with interleaved
// normalised samples in [-1, 1); it returns the number of whole frames read.
type Stream interface {
	Rate() int
	ReadPeriod(dst []float32) (int, error)
	Close() error
}

// Opener opens (or reopens) the capture stream.
type Opener func() (Stream, error)

// ErrXrun marks a transient capture failure: an overrun, a short read, or a
// device hiccup that a reopen should clear. The period that saw it carries no
// usable data and must not feed the model.
var ErrXrun = errors.New("capture: overrun or short read")

// Config sizes the pipeline.
type Config struct {
	Period   int // frames per read
	Channels int // interleaved channel count
}

// Period is one fully captured period, deinterleaved.
type Period struct {
	Rate     int         // Hz the device is actually running at
	DT       float64     // s, Period frames at Rate
	Channels [][]float64 // [channel][frame] normalised samples
}

// Pipeline owns the capture stream and its scratch buffers. Single-consumer;
// the supervisor loop is the only caller.
type Pipeline struct {
	open Opener
	cfg  Config

	stream Stream
	raw    []float32
	period Period
}

// New builds a pipeline; the stream is opened lazily on the first Read so a
// device that is slow to appear does not block construction.
func New(open Opener, cfg Config) *Pipeline {
	p := &Pipeline{open: open, cfg: cfg}
	p.raw = make([]float32, cfg.Period*cfg.Channels)
	p.period.Channels = make([][]float64, cfg.Channels)
	for ch := range p.period.Channels {
		p.period.Channels[ch] = make([]float64, cfg.Period)
	}
	return p
}

// Read blocks until one whole period has been captured and returns it
// deinterleaved. On a transient failure the device is closed and ErrXrun is
// returned; the caller skips the model update for that period and calls Read
// again, which reopens the device. The returned Period aliases internal buffers and is valid
// until the next Read.
func (p *Pipeline) Read() (*Period, error) {
	if p.stream == nil {
		stream, err := p.open()
		if err != nil {
			return nil, fmt.Errorf("opening capture stream: %w", err)
		}
		p.stream = stream
	}

	frames, err := p.stream.ReadPeriod(p.raw)
	if err != nil || frames < p.cfg.Period {
		// Partial data is worse than no data: a half period fed to the model
		// would shrink the apparent power. Drop it and start over.
		p.reopen()
		if err != nil && !errors.Is(err, ErrXrun) {
			return nil, fmt.Errorf("%w: %s", ErrXrun, err)
		}
		return nil, ErrXrun
	}

	rate := p.stream.Rate()
	if rate <= 0 {
		p.reopen()
		return nil, fmt.Errorf("%w: device reports rate %d", ErrXrun, rate)
	}

	p.deinterleave()
	p.period.Rate = rate
	p.period.DT = float64(p.cfg.Period) / float64(rate)
	return &p.period, nil
}

func (p *Pipeline) deinterleave() {
	n := p.cfg.Channels
	for ch := 0; ch < n; ch++ {
		dst := p.period.Channels[ch]
		for frame := 0; frame < p.cfg.Period; frame++ {
			dst[frame] = float64(p.raw[frame*n+ch])
		}
	}
}

func (p *Pipeline) reopen() {
	if p.stream != nil {
		p.stream.Close()
		p.stream = nil
	}
}

// Close releases the stream.
func (p *Pipeline) Close() {
	p.reopen()
}
