package capture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream plays back scripted reads.
type fakeStream struct {
	rate   int
	reads  []fakeRead
	next   int
	closed bool
}

type fakeRead struct {
	fill   func(dst []float32)
	frames int
	err    error
}

func (s *fakeStream) Rate() int { return s.rate }

func (s *fakeStream) ReadPeriod(dst []float32) (int, error) {
	if s.next >= len(s.reads) {
		return 0, errors.New("script exhausted")
	}
	r := s.reads[s.next]
	s.next++
	if r.fill != nil {
		r.fill(dst)
	}
	return r.frames, r.err
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func TestReadDeinterleaves(t *testing.T) {
	const period, channels = 4, 3
	stream := &fakeStream{
		rate: 48000,
		reads: []fakeRead{{
			frames: period,
			fill: func(dst []float32) {
				// Sample f on channel c encoded as c + f/10.
				for f := 0; f < period; f++ {
					for c := 0; c < channels; c++ {
						dst[f*channels+c] = float32(c) + float32(f)/10
					}
				}
			},
		}},
	}

	pipe := New(func() (Stream, error) { return stream, nil },
		Config{Period: period, Channels: channels})

	p, err := pipe.Read()
	require.NoError(t, err)

	assert.Equal(t, 48000, p.Rate)
	assert.InDelta(t, float64(period)/48000, p.DT, 1e-12)
	require.Len(t, p.Channels, channels)
	for c := 0; c < channels; c++ {
		for f := 0; f < period; f++ {
			assert.InDelta(t, float64(c)+float64(f)/10, p.Channels[c][f], 1e-6,
				"channel %d frame %d", c, f)
		}
	}
}

func TestShortReadReopens(t *testing.T) {
	const period, channels = 8, 2

	first := &fakeStream{rate: 48000, reads: []fakeRead{{frames: 3}}} // short
	second := &fakeStream{rate: 48000, reads: []fakeRead{{frames: period}}}

	opens := 0
	pipe := New(func() (Stream, error) {
		opens++
		if opens == 1 {
			return first, nil
		}
		return second, nil
	}, Config{Period: period, Channels: channels})

	_, err := pipe.Read()
	assert.ErrorIs(t, err, ErrXrun)
	assert.True(t, first.closed, "short read must close the stream")

	// The half period must not surface anywhere; the next read starts clean
	// on a fresh stream.
	p, err := pipe.Read()
	require.NoError(t, err)
	assert.Equal(t, 2, opens)
	assert.Equal(t, 48000, p.Rate)
}

func TestXrunErrorReopens(t *testing.T) {
	const period, channels = 8, 2
	first := &fakeStream{rate: 48000, reads: []fakeRead{{err: ErrXrun}}}

	opens := 0
	pipe := New(func() (Stream, error) {
		opens++
		return first, nil
	}, Config{Period: period, Channels: channels})

	_, err := pipe.Read()
	assert.ErrorIs(t, err, ErrXrun)
	assert.True(t, first.closed)
}

func TestRateChangeAcrossReopen(t *testing.T) {
	const period, channels = 4096, 2

	fill := func(dst []float32) {}
	first := &fakeStream{rate: 48000, reads: []fakeRead{
		{frames: period, fill: fill},
		{frames: 0}, // xrun
	}}
	second := &fakeStream{rate: 96000, reads: []fakeRead{
		{frames: period, fill: fill},
	}}

	opens := 0
	pipe := New(func() (Stream, error) {
		opens++
		if opens == 1 {
			return first, nil
		}
		return second, nil
	}, Config{Period: period, Channels: channels})

	p, err := pipe.Read()
	require.NoError(t, err)
	assert.InDelta(t, 4096.0/48000, p.DT, 1e-12)

	_, err = pipe.Read()
	require.ErrorIs(t, err, ErrXrun)

	p, err = pipe.Read()
	require.NoError(t, err)
	assert.Equal(t, 96000, p.Rate)
	assert.InDelta(t, 4096.0/96000, p.DT, 1e-12, "dt must follow the renegotiated rate")
}

func TestOpenFailurePropagates(t *testing.T) {
	boom := errors.New("device missing")
	pipe := New(func() (Stream, error) { return nil, boom },
		Config{Period: 8, Channels: 2})

	_, err := pipe.Read()
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrXrun, "open failure is not a transient xrun")
}

func TestZeroRateIsTransient(t *testing.T) {
	stream := &fakeStream{rate: 0, reads: []fakeRead{{frames: 8}}}
	pipe := New(func() (Stream, error) { return stream, nil },
		Config{Period: 8, Channels: 2})

	_, err := pipe.Read()
	assert.ErrorIs(t, err, ErrXrun)
}
