package alsa

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/jochenvg/go-udev"
)

// capturePCM matches sound-class device nodes of capture PCM substreams,
// e.g. pcmC0D2c → card 0, device 2.
var capturePCM = regexp.MustCompile(`^pcmC(\d+)D(\d+)c$`)

// FindCard walks the udev sound subsystem for a card exposing a capture PCM
// with the configured device index — the V/ISENSE feed is the only capture
// substream smart-amp codecs register, so the pair identifies the card. The
// lowest matching card index wins.
func FindCard(pcmDevice int) (int, error) {
	u := udev.Udev{}
	enum := u.NewEnumerate()
	if err := enum.AddMatchSubsystem("sound"); err != nil {
		return 0, fmt.Errorf("enumerating sound devices: %w", err)
	}

	devices, err := enum.Devices()
	if err != nil {
		return 0, fmt.Errorf("enumerating sound devices: %w", err)
	}

	best := -1
	for _, dev := range devices {
		m := capturePCM.FindStringSubmatch(dev.Sysname())
		if m == nil {
			continue
		}
		device, _ := strconv.Atoi(m[2])
		if device != pcmDevice {
			continue
		}
		card, _ := strconv.Atoi(m[1])
		if best == -1 || card < best {
			best = card
		}
	}

	if best == -1 {
		return 0, fmt.Errorf("no sound card exposes capture PCM device %d", pcmDevice)
	}
	return best, nil
}
