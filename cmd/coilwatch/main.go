package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/linuxmatters/coilwatch/internal/alsa"
	"github.com/linuxmatters/coilwatch/internal/blackbox"
	"github.com/linuxmatters/coilwatch/internal/capture"
	"github.com/linuxmatters/coilwatch/internal/config"
	"github.com/linuxmatters/coilwatch/internal/interlock"
	"github.com/linuxmatters/coilwatch/internal/logging"
	"github.com/linuxmatters/coilwatch/internal/mixer"
	"github.com/linuxmatters/coilwatch/internal/rt"
	"github.com/linuxmatters/coilwatch/internal/supervisor"
	"github.com/linuxmatters/coilwatch/internal/thermal"
	"github.com/linuxmatters/coilwatch/version"
)

// Exit codes, per the service contract: the unit file and the test harness
// both key off these.
const (
	exitConfig  = 2 // configuration error
	exitAudio   = 3 // capture or control-plane open failure
	exitRuntime = 4 // fatal runtime fault (interlock already surrendered)
)

// CLI defines the command-line interface.
type CLI struct {
	Config   string `short:"c" required:"" help:"Machine configuration file." type:"existingfile"`
	Blackbox string `short:"b" help:"Directory for blackbox diagnostics (disabled when empty)." type:"path"`
	Verbose  bool   `short:"v" help:"Enable debug logging."`
	Version  bool   `help:"Show version information."`
}

func main() {
	cli := &CLI{}
	kong.Parse(cli,
		kong.Name(version.Name()),
		kong.Description("Loudspeaker thermal safety supervisor for smart-amp codecs"),
		kong.UsageOnError(),
	)

	if cli.Version {
		fmt.Printf("%s %s %s\n", version.Name(), version.Version(), version.Commit())
		os.Exit(0)
	}

	logger := logging.New(cli.Verbose)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logger.Error("configuration invalid", "err", err)
		os.Exit(exitConfig)
	}
	logger.Info("configuration loaded",
		"speakers", len(cfg.Speakers), "channels", cfg.Globals.Channels,
		"period", cfg.Globals.Period, "link_gains", cfg.Globals.LinkGains)
	if cli.Verbose {
		fmt.Fprintln(os.Stderr, logging.SpeakerSummary(cfg))
	}

	card, err := alsa.FindCard(cfg.Globals.VISensePCM)
	if err != nil {
		logger.Error("sound card discovery failed", "err", err)
		os.Exit(exitAudio)
	}
	logger.Info("sound card found", "card", card, "pcm", cfg.Globals.VISensePCM)

	port, err := alsa.OpenControl(card)
	if err != nil {
		logger.Error("opening control plane", "err", err)
		os.Exit(exitAudio)
	}
	defer port.Close()

	surface, err := mixer.Open(port, mixer.Roles{
		VSense:         cfg.Controls.VSense,
		ISense:         cfg.Controls.ISense,
		AmpGain:        cfg.Controls.AmpGain,
		Volume:         cfg.Controls.Volume,
		PlaybackDetect: cfg.Controls.PlaybackDetect,
	}, len(cfg.Speakers))
	if err != nil {
		logger.Error("resolving mixer controls", "err", err)
		os.Exit(exitAudio)
	}

	safeMode := cfg.Controls.SafeMode
	if safeMode == "" {
		safeMode = interlock.DefaultSafeModeElement
	}
	transport, err := interlock.NewMixerTransport(port, safeMode)
	if err != nil {
		logger.Error("resolving interlock element", "err", err)
		os.Exit(exitAudio)
	}
	lock := interlock.New(transport)

	// The stream is reopened on every xrun; rate preference carries over so
	// a stable device renegotiates the same clock.
	lastRate := 0
	pipe := capture.New(func() (capture.Stream, error) {
		stream, err := alsa.OpenCapture(card, cfg.Globals.VISensePCM,
			cfg.Globals.Channels, cfg.Globals.Period, lastRate)
		if err != nil {
			return nil, err
		}
		lastRate = stream.Rate()
		return stream, nil
	}, capture.Config{Period: cfg.Globals.Period, Channels: cfg.Globals.Channels})

	var box *blackbox.Recorder
	if cli.Blackbox != "" {
		window := time.Duration(cfg.Globals.TWindow * float64(time.Second))
		if box, err = blackbox.Open(cli.Blackbox, window); err != nil {
			logger.Error("opening blackbox", "err", err)
			os.Exit(exitConfig)
		}
		logger.Info("blackbox enabled", "dir", cli.Blackbox)
	}

	if err := rt.Apply(cfg.Globals.UclampMax); err != nil {
		// Real-time scheduling needs privileges the sandboxed unit may not
		// grant; the loop still protects, just with more jitter.
		logger.Warn("real-time scheduling unavailable", "err", err)
	}

	channels := make([]supervisor.Channel, len(cfg.Speakers))
	for i, spk := range cfg.Speakers {
		channels[i] = supervisor.Channel{
			Speaker: thermal.NewSpeaker(thermal.Params{
				Name:      spk.Name,
				Group:     spk.Group,
				TRCoil:    spk.TRCoil,
				TRMagnet:  spk.TRMagnet,
				TauCoil:   spk.TauCoil,
				TauMag:    spk.TauMag,
				TLimit:    spk.TLimit,
				THeadroom: spk.THeadroom,
				ZNominal:  spk.ZNominal,
				ZShunt:    spk.ZShunt,
				AT20C:     spk.AT20C,
				AT35C:     spk.AT35C,
				ISScale:   spk.ISScale,
				VSScale:   spk.VSScale,
			}, cfg.Globals.TAmbient, cfg.Globals.THysteresis, cfg.Globals.TWindow),
			VSChan: spk.VSChan,
			ISChan: spk.ISChan,
		}
	}

	sup := supervisor.New(channels, pipe, surface, lock, box, logger, supervisor.Options{
		LinkGains:   cfg.Globals.LinkGains,
		FaultWindow: time.Duration(cfg.Globals.TWindow * float64(time.Second)),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("supervisor starting", "version", version.Version())
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor exited on fault", "err", err)
		os.Exit(exitRuntime)
	}
	logger.Info("supervisor stopped cleanly")
}
