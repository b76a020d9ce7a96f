// Package alsa is the audio-subsystem collaborator: the thin layer that turns
// alsa-lib primitives into the capture.Stream and mixer.Port contracts the
// rest of the daemon is written against. Everything above this package is
// testable with fakes; everything in it is deliberately mechanical.
package alsa

/*
#cgo LDFLAGS: -lasound
#include <alsa/asoundlib.h>
#include <stdlib.h>

static int openCapture(snd_pcm_t **handle, const char *device,
                       unsigned int channels, snd_pcm_uframes_t period,
                       unsigned int *rate) {
	int err;

	err = snd_pcm_open(handle, device, SND_PCM_STREAM_CAPTURE, 0);
	if (err < 0)
		return err;

	snd_pcm_hw_params_t *params;
	snd_pcm_hw_params_alloca(&params);

	err = snd_pcm_hw_params_any(*handle, params);
	if (err < 0)
		return err;

	err = snd_pcm_hw_params_set_access(*handle, params, SND_PCM_ACCESS_RW_INTERLEAVED);
	if (err < 0)
		return err;

	err = snd_pcm_hw_params_set_format(*handle, params, SND_PCM_FORMAT_FLOAT_LE);
	if (err < 0)
		return err;

	err = snd_pcm_hw_params_set_channels(*handle, params, channels);
	if (err < 0)
		return err;

	// Take whatever rate the sense path is running at, preferring the one
	// the caller saw last. dt is recomputed from the result either way.
	err = snd_pcm_hw_params_set_rate_near(*handle, params, rate, 0);
	if (err < 0)
		return err;

	err = snd_pcm_hw_params_set_period_size(*handle, params, period, 0);
	if (err < 0)
		return err;

	err = snd_pcm_hw_params(*handle, params);
	if (err < 0)
		return err;

	err = snd_pcm_hw_params_get_rate(params, rate, 0);
	if (err < 0)
		return err;

	return snd_pcm_prepare(*handle);
}

static long readFrames(snd_pcm_t *handle, float *buf, snd_pcm_uframes_t frames) {
	snd_pcm_sframes_t n = snd_pcm_readi(handle, buf, frames);
	if (n == -EPIPE) {
		// Overrun: recover the stream, report the xrun upward.
		snd_pcm_prepare(handle);
		return -EPIPE;
	}
	return n;
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/linuxmatters/coilwatch/internal/capture"
)

// CaptureStream is one open V/ISENSE PCM stream. It implements
// capture.Stream.
type CaptureStream struct {
	handle   *C.snd_pcm_t
	rate     int
	channels int
	period   int
}

// OpenCapture opens hw:<card>,<device> for capture with the given channel
// count and period size. preferredRate seeds rate negotiation; pass the rate
// from the previous open, or 0 to start negotiation at 48 kHz.
func OpenCapture(card, device, channels, period, preferredRate int) (*CaptureStream, error) {
	name := C.CString(fmt.Sprintf("hw:%d,%d", card, device))
	defer C.free(unsafe.Pointer(name))

	rate := C.uint(preferredRate)
	if rate == 0 {
		rate = 48000
	}

	var handle *C.snd_pcm_t
	if err := C.openCapture(&handle, name, C.uint(channels), C.snd_pcm_uframes_t(period), &rate); err < 0 {
		if handle != nil {
			C.snd_pcm_close(handle)
		}
		return nil, fmt.Errorf("opening capture hw:%d,%d: %s", card, device, strerror(C.int(err)))
	}

	return &CaptureStream{
		handle:   handle,
		rate:     int(rate),
		channels: channels,
		period:   period,
	}, nil
}

// Rate reports the rate the device actually granted.
func (s *CaptureStream) Rate() int { return s.rate }

// ReadPeriod blocks until one period of interleaved float samples has been
// captured into dst. Overruns surface as capture.ErrXrun; a short read
// returns the frames it got with a nil error.
func (s *CaptureStream) ReadPeriod(dst []float32) (int, error) {
	if len(dst) < s.period*s.channels {
		return 0, fmt.Errorf("capture buffer holds %d samples, period needs %d",
			len(dst), s.period*s.channels)
	}

	n := C.readFrames(s.handle, (*C.float)(unsafe.Pointer(&dst[0])), C.snd_pcm_uframes_t(s.period))
	switch {
	case n == -C.EPIPE:
		return 0, capture.ErrXrun
	case n < 0:
		return 0, fmt.Errorf("pcm read: %s", strerror(C.int(n)))
	default:
		return int(n), nil
	}
}

// Close releases the stream.
func (s *CaptureStream) Close() error {
	if s.handle == nil {
		return nil
	}
	C.snd_pcm_close(s.handle)
	s.handle = nil
	return nil
}

func strerror(err C.int) string {
	return C.GoString(C.snd_strerror(err))
}
