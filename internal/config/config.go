// Package config loads and validates the machine configuration file.
//
// The file is INI-shaped with three section types:
//
//	[Globals]           process-wide settings
//	[Controls]          logical mixer role → element name mapping
//	[Speaker/<name>]    one section per protected channel
//
// Everything is validated up front. A configuration that loads without error
// is safe to hand to the supervisor: channel indices are a bijection onto the
// capture stream, required keys are present and all values are in range.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// speakerSectionPrefix marks per-channel sections, e.g. [Speaker/Left Front].
const speakerSectionPrefix = "Speaker/"

// Limits applied during validation. Values outside these ranges are almost
// certainly a typo in the machine config, and a wrong thermal parameter is
// exactly the kind of error this daemon exists to prevent.
const (
	MinAmbientC  = -20.0
	MaxAmbientC  = 70.0
	MaxChannels  = 16
	MinPeriod    = 64
	MaxPeriod    = 65536
	MaxUclamp    = 1024
	MaxTimeConst = 3600.0 // seconds
)

// Globals is the [Globals] section: process-wide, immutable after load.
type Globals struct {
	VISensePCM  int     // capture PCM device index on the card
	TAmbient    float64 // °C
	THysteresis float64 // °C
	TWindow     float64 // s, magnet smoothing window
	Channels    int     // capture stream channel count, 2 × speaker count
	Period      int     // capture period in frames
	LinkGains   bool    // broadcast one gain per group
	UclampMax   int     // 0–1024 CPU frequency clamp, 0 disables
}

// Controls is the [Controls] section: logical role → mixer element name.
type Controls struct {
	VSense  string // boolean, enables VSENSE capture
	ISense  string // boolean, enables ISENSE capture
	AmpGain string // integer gain, one value per channel
	Volume  string // integer, speaker volume element

	// PlaybackDetect is optional. When present it names a boolean element the
	// supervisor polls while idle instead of running the capture stream.
	PlaybackDetect string

	// SafeMode is optional and overrides the driver's safe-mode switch name
	// used for the interlock handshake.
	SafeMode string
}

// Speaker is one [Speaker/<name>] section: the static parameter set for a
// single voice coil and magnet.
type Speaker struct {
	Name  string
	Group int

	TRCoil   float64 // °C/W
	TRMagnet float64 // °C/W
	TauCoil  float64 // s
	TauMag   float64 // s

	TLimit    float64 // °C absolute limit
	THeadroom float64 // °C backoff below the limit

	ZNominal float64 // Ω
	ZShunt   float64 // Ω series correction on the voltage sense

	AT20C float64 // resistance temperature coefficient at 20 °C (1/°C)
	AT35C float64 // resistance temperature coefficient at 35 °C (1/°C)

	ISScale float64 // full-scale amps for the ISENSE stream
	VSScale float64 // full-scale volts for the VSENSE stream

	ISChan int // ISENSE channel index in the capture stream
	VSChan int // VSENSE channel index in the capture stream
}

// Config is the fully validated machine configuration.
type Config struct {
	Globals  Globals
	Controls Controls
	Speakers []Speaker // in file order
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		// "#" comments only; ";" appears in ALSA element names.
		IgnoreInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	return Parse(file)
}

// Parse builds a Config from an already loaded INI file.
// Split from Load so tests can feed config text directly.
func Parse(file *ini.File) (*Config, error) {
	cfg := &Config{}

	if err := cfg.loadGlobals(file); err != nil {
		return nil, err
	}
	if err := cfg.loadControls(file); err != nil {
		return nil, err
	}
	if err := cfg.loadSpeakers(file); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadGlobals(file *ini.File) error {
	sec, err := section(file, "Globals")
	if err != nil {
		return err
	}

	g := &c.Globals
	if g.VISensePCM, err = requiredInt(sec, "visense_pcm"); err != nil {
		return err
	}
	if g.TAmbient, err = requiredFloat(sec, "t_ambient"); err != nil {
		return err
	}
	if g.THysteresis, err = requiredFloat(sec, "t_hysteresis"); err != nil {
		return err
	}
	if g.TWindow, err = requiredFloat(sec, "t_window"); err != nil {
		return err
	}
	if g.Channels, err = requiredInt(sec, "channels"); err != nil {
		return err
	}
	if g.Period, err = requiredInt(sec, "period"); err != nil {
		return err
	}
	if g.LinkGains, err = requiredBool(sec, "link_gains"); err != nil {
		return err
	}

	// uclamp_max is optional; 0 leaves the utilization clamp unset.
	g.UclampMax = 0
	if sec.HasKey("uclamp_max") {
		if g.UclampMax, err = requiredInt(sec, "uclamp_max"); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) loadControls(file *ini.File) error {
	sec, err := section(file, "Controls")
	if err != nil {
		return err
	}

	ct := &c.Controls
	if ct.VSense, err = requiredString(sec, "vsense"); err != nil {
		return err
	}
	if ct.ISense, err = requiredString(sec, "isense"); err != nil {
		return err
	}
	if ct.AmpGain, err = requiredString(sec, "amp_gain"); err != nil {
		return err
	}
	if ct.Volume, err = requiredString(sec, "volume"); err != nil {
		return err
	}
	ct.PlaybackDetect = sec.Key("playback_detect").String()
	ct.SafeMode = sec.Key("safe_mode").String()

	return nil
}

func (c *Config) loadSpeakers(file *ini.File) error {
	for _, sec := range file.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), speakerSectionPrefix)
		if !ok {
			continue
		}
		if name == "" {
			return fmt.Errorf("[%s]: empty speaker name", sec.Name())
		}

		spk, err := parseSpeaker(sec, name)
		if err != nil {
			return err
		}
		c.Speakers = append(c.Speakers, spk)
	}

	if len(c.Speakers) == 0 {
		return fmt.Errorf("no [Speaker/<name>] sections found")
	}
	return nil
}

func parseSpeaker(sec *ini.Section, name string) (Speaker, error) {
	spk := Speaker{Name: name}

	var err error
	if spk.Group, err = requiredInt(sec, "group"); err != nil {
		return spk, err
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"tr_coil", &spk.TRCoil},
		{"tr_magnet", &spk.TRMagnet},
		{"tau_coil", &spk.TauCoil},
		{"tau_magnet", &spk.TauMag},
		{"t_limit", &spk.TLimit},
		{"t_headroom", &spk.THeadroom},
		{"z_nominal", &spk.ZNominal},
		{"z_shunt", &spk.ZShunt},
		{"a_t_20c", &spk.AT20C},
		{"a_t_35c", &spk.AT35C},
		{"is_scale", &spk.ISScale},
		{"vs_scale", &spk.VSScale},
	}
	for _, f := range floats {
		if *f.dst, err = requiredFloat(sec, f.key); err != nil {
			return spk, err
		}
	}

	if spk.ISChan, err = requiredInt(sec, "is_chan"); err != nil {
		return spk, err
	}
	if spk.VSChan, err = requiredInt(sec, "vs_chan"); err != nil {
		return spk, err
	}

	return spk, nil
}

// validate enforces the cross-section invariants. All errors name the section
// and key so a broken machine config can be fixed from the log alone.
func (c *Config) validate() error {
	g := c.Globals

	switch {
	case g.VISensePCM < 0:
		return globalErr("visense_pcm", "must be >= 0")
	case g.TAmbient < MinAmbientC || g.TAmbient > MaxAmbientC:
		return globalErr("t_ambient", fmt.Sprintf("must be between %g and %g °C", MinAmbientC, MaxAmbientC))
	case g.THysteresis <= 0:
		return globalErr("t_hysteresis", "must be > 0")
	case g.TWindow <= 0:
		return globalErr("t_window", "must be > 0")
	case g.Period < MinPeriod || g.Period > MaxPeriod:
		return globalErr("period", fmt.Sprintf("must be between %d and %d frames", MinPeriod, MaxPeriod))
	case g.UclampMax < 0 || g.UclampMax > MaxUclamp:
		return globalErr("uclamp_max", fmt.Sprintf("must be between 0 and %d", MaxUclamp))
	case g.Channels < 2 || g.Channels > MaxChannels:
		return globalErr("channels", fmt.Sprintf("must be between 2 and %d", MaxChannels))
	}

	if g.Channels != 2*len(c.Speakers) {
		return globalErr("channels", fmt.Sprintf("is %d but %d speakers need %d sense channels",
			g.Channels, len(c.Speakers), 2*len(c.Speakers)))
	}

	// Sense channel indices must be a bijection: every index in range, no
	// index claimed twice, every capture channel owned by exactly one sense.
	owner := make(map[int]string, g.Channels)
	for _, spk := range c.Speakers {
		for _, ch := range []struct {
			key string
			idx int
		}{
			{"vs_chan", spk.VSChan},
			{"is_chan", spk.ISChan},
		} {
			claim := fmt.Sprintf("[%s%s] %s", speakerSectionPrefix, spk.Name, ch.key)
			if ch.idx < 0 || ch.idx >= g.Channels {
				return fmt.Errorf("%s: channel %d outside capture stream [0, %d)", claim, ch.idx, g.Channels)
			}
			if prev, taken := owner[ch.idx]; taken {
				return fmt.Errorf("%s: channel %d already claimed by %s", claim, ch.idx, prev)
			}
			owner[ch.idx] = claim
		}
	}

	for _, spk := range c.Speakers {
		if err := validateSpeaker(spk); err != nil {
			return err
		}
	}

	return nil
}

func validateSpeaker(spk Speaker) error {
	bad := func(key, reason string) error {
		return fmt.Errorf("[%s%s] %s: %s", speakerSectionPrefix, spk.Name, key, reason)
	}

	switch {
	case spk.Group < 0:
		return bad("group", "must be >= 0")
	case spk.TRCoil <= 0:
		return bad("tr_coil", "must be > 0 °C/W")
	case spk.TRMagnet <= 0:
		return bad("tr_magnet", "must be > 0 °C/W")
	case spk.TauCoil <= 0 || spk.TauCoil > MaxTimeConst:
		return bad("tau_coil", fmt.Sprintf("must be in (0, %g] s", MaxTimeConst))
	case spk.TauMag <= 0 || spk.TauMag > MaxTimeConst:
		return bad("tau_magnet", fmt.Sprintf("must be in (0, %g] s", MaxTimeConst))
	case spk.THeadroom <= 0:
		return bad("t_headroom", "must be > 0 °C")
	case spk.TLimit <= spk.THeadroom:
		return bad("t_limit", "must be greater than t_headroom")
	case spk.ZNominal <= 0:
		return bad("z_nominal", "must be > 0 Ω")
	case spk.ZShunt < 0:
		return bad("z_shunt", "must be >= 0 Ω")
	case spk.ISScale <= 0:
		return bad("is_scale", "must be > 0 A")
	case spk.VSScale <= 0:
		return bad("vs_scale", "must be > 0 V")
	}

	return nil
}

// Groups returns the distinct group ids in first-seen order (not sorted).
func (c *Config) Groups() []int {
	seen := make(map[int]bool)
	var out []int
	for _, spk := range c.Speakers {
		if !seen[spk.Group] {
			seen[spk.Group] = true
			out = append(out, spk.Group)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Lookup helpers. ini.v1 is forgiving about missing keys; the supervisor must
// not be, so every required key goes through one of these.

func section(file *ini.File, name string) (*ini.Section, error) {
	sec, err := file.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("missing required section [%s]", name)
	}
	return sec, nil
}

func requiredString(sec *ini.Section, key string) (string, error) {
	if !sec.HasKey(key) {
		return "", missingErr(sec, key)
	}
	v := sec.Key(key).String()
	if v == "" {
		return "", fmt.Errorf("[%s] %s: empty value", sec.Name(), key)
	}
	return v, nil
}

func requiredInt(sec *ini.Section, key string) (int, error) {
	if !sec.HasKey(key) {
		return 0, missingErr(sec, key)
	}
	v, err := sec.Key(key).Int()
	if err != nil {
		return 0, fmt.Errorf("[%s] %s: not an integer: %q", sec.Name(), key, sec.Key(key).String())
	}
	return v, nil
}

func requiredFloat(sec *ini.Section, key string) (float64, error) {
	if !sec.HasKey(key) {
		return 0, missingErr(sec, key)
	}
	v, err := sec.Key(key).Float64()
	if err != nil {
		return 0, fmt.Errorf("[%s] %s: not a number: %q", sec.Name(), key, sec.Key(key).String())
	}
	return v, nil
}

func requiredBool(sec *ini.Section, key string) (bool, error) {
	if !sec.HasKey(key) {
		return false, missingErr(sec, key)
	}
	v, err := sec.Key(key).Bool()
	if err != nil {
		return false, fmt.Errorf("[%s] %s: not a boolean: %q", sec.Name(), key, sec.Key(key).String())
	}
	return v, nil
}

func missingErr(sec *ini.Section, key string) error {
	return fmt.Errorf("[%s]: missing required key %q", sec.Name(), key)
}

func globalErr(key, reason string) error {
	return fmt.Errorf("[Globals] %s: %s", key, reason)
}
