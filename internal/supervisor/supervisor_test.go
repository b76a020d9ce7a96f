package supervisor

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxmatters/coilwatch/internal/capture"
	"github.com/linuxmatters/coilwatch/internal/interlock"
	"github.com/linuxmatters/coilwatch/internal/mixer"
	"github.com/linuxmatters/coilwatch/internal/thermal"
)

const (
	testPeriod   = 256
	testChannels = 4
	testDT       = float64(testPeriod) / 48000
)

// ---------------------------------------------------------------------------
// Fakes

type fakeElem struct {
	info   mixer.Info
	values []int32
}

func (e *fakeElem) Info() mixer.Info { return e.info }

func (e *fakeElem) Read() ([]int32, error) {
	out := make([]int32, len(e.values))
	copy(out, e.values)
	return out, nil
}

func (e *fakeElem) Write(values []int32) error {
	e.values = append(e.values[:0], values...)
	return nil
}

type fakePort struct {
	elems map[string]*fakeElem
}

func (p *fakePort) Find(name string) (mixer.Elem, error) {
	if e, ok := p.elems[name]; ok {
		return e, nil
	}
	return nil, mixer.ErrNotFound
}

func (p *fakePort) Close() error { return nil }

func newFakePort(withPlayback bool) *fakePort {
	boolElem := func(name string, count int) *fakeElem {
		return &fakeElem{
			info:   mixer.Info{Name: name, Type: mixer.TypeBoolean, Count: count},
			values: make([]int32, count),
		}
	}
	p := &fakePort{elems: map[string]*fakeElem{
		"VSENSE Switch": boolElem("VSENSE Switch", 2),
		"ISENSE Switch": boolElem("ISENSE Switch", 2),
		"Amp Gain": {
			info: mixer.Info{
				Name: "Amp Gain", Type: mixer.TypeInteger, Count: 2,
				Range: mixer.Range{Min: 0, Max: 36, Step: 1, DBMin: -18, DBMax: 0, HasDB: true},
			},
			values: []int32{36, 36},
		},
		"Speaker Volume": {
			info: mixer.Info{
				Name: "Speaker Volume", Type: mixer.TypeInteger, Count: 1,
				Range: mixer.Range{Min: 0, Max: 127, Step: 1},
			},
			values: []int32{100},
		},
	}}
	if withPlayback {
		p.elems["Playback Active"] = boolElem("Playback Active", 1)
	}
	return p
}

// fakeTransport records the interlock handshake.
type fakeTransport struct {
	unlocks, keepalives, surrenders int
}

func (t *fakeTransport) Unlock() error    { t.unlocks++; return nil }
func (t *fakeTransport) Keepalive() error { t.keepalives++; return nil }
func (t *fakeTransport) Surrender() error { t.surrenders++; return nil }

// genStream synthesizes periods: gen is called with the read ordinal and the
// destination buffer.
type genStream struct {
	rate int
	gen  func(read int, dst []float32)
	read int
	err  error
}

func (s *genStream) Rate() int { return s.rate }

func (s *genStream) ReadPeriod(dst []float32) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.gen != nil {
		s.gen(s.read, dst)
	}
	s.read++
	return testPeriod, nil
}

func (s *genStream) Close() error { return nil }

// ---------------------------------------------------------------------------
// Harness

type harness struct {
	sup       *Supervisor
	port      *fakePort
	transport *fakeTransport
	speakers  []*thermal.Speaker
}

// driveChannels writes volts/amps pairs per speaker into an interleaved
// buffer: speaker i senses on channels (2i, 2i+1) = (I, V).
func driveChannels(dst []float32, watts []float64) {
	for f := 0; f < testPeriod; f++ {
		for i, w := range watts {
			amps, volts := 0.0, 0.0
			if w > 0 {
				amps = 1.0            // raw 0.5 × is_scale 2
				volts = w             // P = V·A with 1 A
			}
			dst[f*testChannels+2*i] = float32(amps / 2.0)    // is raw
			dst[f*testChannels+2*i+1] = float32(volts / 20.0) // vs raw
		}
	}
}

func newHarness(t *testing.T, linked, withPlayback bool, gen func(read int, dst []float32)) *harness {
	t.Helper()

	port := newFakePort(withPlayback)
	roles := mixer.Roles{
		VSense:  "VSENSE Switch",
		ISense:  "ISENSE Switch",
		AmpGain: "Amp Gain",
		Volume:  "Speaker Volume",
	}
	if withPlayback {
		roles.PlaybackDetect = "Playback Active"
	}
	surface, err := mixer.Open(port, roles, 2)
	require.NoError(t, err)

	stream := &genStream{rate: 48000, gen: gen}
	pipe := capture.New(func() (capture.Stream, error) { return stream, nil },
		capture.Config{Period: testPeriod, Channels: testChannels})

	params := thermal.Params{
		TRCoil: 38.3, TRMagnet: 5, TauCoil: 0.5, TauMag: 300,
		TLimit: 130, THeadroom: 10,
		ZNominal: 4, ISScale: 2, VSScale: 20,
	}
	mk := func(name string) *thermal.Speaker {
		p := params
		p.Name = name
		p.Group = 0
		return thermal.NewSpeaker(p, 50, 5, 10)
	}
	speakers := []*thermal.Speaker{mk("Left"), mk("Right")}

	transport := &fakeTransport{}
	channels := []Channel{
		{Speaker: speakers[0], ISChan: 0, VSChan: 1},
		{Speaker: speakers[1], ISChan: 2, VSChan: 3},
	}

	logger := log.New(io.Discard)
	sup := New(channels, pipe, surface, interlock.New(transport), nil, logger, Options{
		LinkGains:   linked,
		FaultWindow: 200 * time.Millisecond,
		IdleAfter:   50 * time.Millisecond,
	})

	return &harness{sup: sup, port: port, transport: transport, speakers: speakers}
}

func (h *harness) gains() []int32 {
	return h.port.elems["Amp Gain"].values
}

// ---------------------------------------------------------------------------

func TestGroupLinkage(t *testing.T) {
	// Left speaker dissipates 2.6 W (steady state ≈ 150 °C, past the 120 °C
	// threshold but under the hard-fault ceiling), right stays silent.
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{2.6, 0})
	}

	run := func(linked bool) (*harness, []int32) {
		h := newHarness(t, linked, false, gen)
		require.NoError(t, h.sup.surface.EnableSense(true))
		for i := 0; i < 400; i++ {
			idle, err := h.sup.activeTick()
			require.NoError(t, err)
			require.False(t, idle)
		}
		require.Equal(t, thermal.Engaged, h.speakers[0].State(), "left speaker must have engaged")
		require.Equal(t, thermal.Nominal, h.speakers[1].State())
		return h, h.gains()
	}

	t.Run("linked broadcasts the group minimum", func(t *testing.T) {
		_, gains := run(true)
		assert.Equal(t, gains[0], gains[1], "linked group members diverged")
		assert.Less(t, gains[0], int32(36), "attenuation must be engaged")
	})

	t.Run("unlinked leaves the idle speaker at full gain", func(t *testing.T) {
		_, gains := run(false)
		assert.Less(t, gains[0], int32(36))
		assert.Equal(t, int32(36), gains[1])
	})
}

func TestInterlockLifecycle(t *testing.T) {
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{1, 1})
	}
	h := newHarness(t, true, false, gen)

	// Unlock only after the first full period produced a ceiling, keepalive
	// on every period after.
	require.NoError(t, h.sup.surface.EnableSense(true))
	_, err := h.sup.activeTick()
	require.NoError(t, err)
	assert.Equal(t, 1, h.transport.unlocks)
	assert.Equal(t, 1, h.transport.keepalives)

	for i := 0; i < 5; i++ {
		_, err = h.sup.activeTick()
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.transport.unlocks, "unlock is sent once")
	assert.Equal(t, 6, h.transport.keepalives)
}

func TestFatalNaNSurrendersInterlock(t *testing.T) {
	// A few healthy periods, then NaN on the left VSENSE channel for longer
	// than the fault window.
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{1, 1})
		if read >= 3 {
			dst[1] = float32(math.NaN())
		}
	}
	h := newHarness(t, true, false, gen)

	err := h.sup.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelFault)

	// The driver got its safe-mode-return and the gains hit the floor first.
	assert.Equal(t, 1, h.transport.surrenders)
	assert.Equal(t, []int32{0, 0}, h.gains(), "gains must be at the −18 dB floor")

	// Sense capture is disabled on the way out.
	assert.Equal(t, []int32{0, 0}, h.port.elems["VSENSE Switch"].values)
}

func TestTransientFaultIsNotFatal(t *testing.T) {
	// One NaN period inside the fault window: ceiling pinned, loop continues.
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{1, 1})
		if read == 2 {
			dst[1] = float32(math.NaN())
		}
	}
	h := newHarness(t, true, false, gen)
	require.NoError(t, h.sup.surface.EnableSense(true))

	for i := 0; i < 4; i++ {
		_, err := h.sup.activeTick()
		require.NoError(t, err)
	}
	// One good period later the speaker is already recovering through the
	// hysteresis machinery, ceiling still at the floor.
	assert.Equal(t, thermal.Cooling, h.speakers[0].State())
	assert.Zero(t, h.speakers[0].FaultDuration())
	assert.Equal(t, []int32{0, 0}, h.gains(), "linked group pinned at the floor")
	assert.Zero(t, h.transport.surrenders)
}

func TestIdleEntryAndResume(t *testing.T) {
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{0, 0})
	}
	h := newHarness(t, true, true, gen)
	require.NoError(t, h.sup.surface.EnableSense(true))

	// Silence for longer than IdleAfter (50 ms = ~10 periods) trips idle.
	idle := false
	for i := 0; i < 20 && !idle; i++ {
		var err error
		idle, err = h.sup.activeTick()
		require.NoError(t, err)
	}
	require.True(t, idle, "sustained silence must enter idle")

	// Idle polling: injected clock and sleep, heartbeat must continue.
	now := time.Now()
	h.sup.now = func() time.Time { now = now.Add(10 * time.Millisecond); return now }
	h.sup.sleep = func(ctx context.Context, d time.Duration) {}
	h.sup.lastWake = now

	before := h.transport.keepalives
	stillIdle, err := h.sup.idleTick(context.Background())
	require.NoError(t, err)
	assert.True(t, stillIdle)
	assert.Greater(t, h.transport.keepalives, before, "idle must not starve the interlock")

	// Playback hint flips: next poll resumes capture.
	h.port.elems["Playback Active"].values[0] = 1
	stillIdle, err = h.sup.idleTick(context.Background())
	require.NoError(t, err)
	assert.False(t, stillIdle)
}

func TestIdleRequiresPlaybackHint(t *testing.T) {
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{0, 0})
	}
	h := newHarness(t, true, false, gen)
	require.NoError(t, h.sup.surface.EnableSense(true))

	for i := 0; i < 30; i++ {
		idle, err := h.sup.activeTick()
		require.NoError(t, err)
		assert.False(t, idle, "no hint element → capture keeps running")
	}
}

func TestIdlePreservesThermalDecay(t *testing.T) {
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{0, 0})
	}
	h := newHarness(t, true, true, gen)
	h.speakers[0].TCoil = 100

	now := time.Now()
	h.sup.now = func() time.Time { now = now.Add(250 * time.Millisecond); return now }
	h.sup.sleep = func(ctx context.Context, d time.Duration) {}
	h.sup.lastWake = now

	before := h.speakers[0].TCoil
	_, err := h.sup.idleTick(context.Background())
	require.NoError(t, err)
	assert.Less(t, h.speakers[0].TCoil, before, "idle wake must apply elapsed decay")
	assert.Greater(t, h.speakers[0].TCoil, 50.0, "never below ambient")
}

func TestRepeatedXrunEscalates(t *testing.T) {
	stream := &genStream{rate: 48000, err: capture.ErrXrun}
	pipe := capture.New(func() (capture.Stream, error) { return stream, nil },
		capture.Config{Period: testPeriod, Channels: testChannels})

	h := newHarness(t, true, false, nil)
	h.sup.pipe = pipe

	var err error
	for i := 0; i < DefaultMaxTransients; i++ {
		_, err = h.sup.activeTick()
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureBroken)
}

func TestCleanShutdown(t *testing.T) {
	gen := func(read int, dst []float32) {
		driveChannels(dst, []float64{1, 1})
	}
	h := newHarness(t, true, false, gen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "signal-driven shutdown is a clean exit")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	assert.Equal(t, 1, h.transport.surrenders)
	assert.Equal(t, []int32{0, 0}, h.port.elems["VSENSE Switch"].values)
}
