// Command hsdrd is the daemon entry point for the USB SDR board driver,
// spec §3's top-level lifecycle run as a standalone process rather than
// embedded in a host telephony engine. It opens one board, applies the
// YAML configuration (with CLI overrides), and serves the control bus,
// optional debug console, optional band relay and optional audio monitor
// until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wk3x/hsdr/internal/audiomonitor"
	"github.com/wk3x/hsdr/internal/bandrelay"
	"github.com/wk3x/hsdr/internal/config"
	"github.com/wk3x/hsdr/internal/device"
	"github.com/wk3x/hsdr/internal/discover"
	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/usbtransport"
)

const (
	hsdrVendorID  = 0x1d50
	hsdrProductID = 0x60e1
)

func main() {
	configFile := pflag.StringP("config-file", "c", "hsdrd.yaml", "YAML configuration file")
	serial := pflag.StringP("serial", "s", "", "board serial number filter, overrides the config file")
	busAddress := pflag.StringP("bus-address", "b", "", "\"bus:address\" filter, overrides serial")
	debugConsole := pflag.BoolP("debug-console", "p", false, "open a pty-backed interactive control console")
	advertise := pflag.BoolP("advertise", "a", false, "advertise the control bus over DNS-SD")
	advertisePort := pflag.IntP("advertise-port", "P", 7654, "TCP port recorded in the DNS-SD advertisement")
	bandRelayChip := pflag.String("band-relay-chip", "", "gpiochip name driving the antenna/band relay, empty to disable")
	audioMonitor := pflag.Bool("audio-monitor", false, "feed live RX IQ to the host sound card as a debug tap")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug-level logging")
	pflag.Parse()

	logger := log.New(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := run(logger, runOptions{
		configFile:    *configFile,
		serial:        *serial,
		busAddress:    *busAddress,
		debugConsole:  *debugConsole,
		advertise:     *advertise,
		advertisePort: *advertisePort,
		bandRelayChip: *bandRelayChip,
		audioMonitor:  *audioMonitor,
	}); err != nil {
		logger.Error("hsdrd exiting", "err", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configFile    string
	serial        string
	busAddress    string
	debugConsole  bool
	advertise     bool
	advertisePort int
	bandRelayChip string
	audioMonitor  bool
}

func run(logger *log.Logger, opts runOptions) error {
	cfgSource, err := loadConfigSource(opts.configFile)
	if err != nil {
		return err
	}
	if opts.serial != "" {
		cfgSource["serial"] = opts.serial
	}

	cfg, warnings := config.Load(cfgSource)
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}

	filter := usbtransport.Filter{
		VendorID:   hsdrVendorID,
		ProductID:  hsdrProductID,
		Serial:     cfg.Serial,
		BusAddress: opts.busAddress,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := usbtransport.Open(ctx, filter)
	if err != nil {
		return fmt.Errorf("open usb device: %w", err)
	}

	var relay *bandrelay.Relay
	if opts.bandRelayChip != "" {
		relay, err = bandrelay.Open(opts.bandRelayChip, nil, 0, bandrelay.DefaultBandTable(), logger)
		if err != nil {
			logger.Warn("band relay disabled", "err", err)
			relay = nil
		}
	}

	var monitor *audiomonitor.Monitor
	if opts.audioMonitor {
		monitor, err = audiomonitor.Open(48000, 1024, audiomonitor.ModeEnvelope, logger)
		if err != nil {
			logger.Warn("audio monitor disabled", "err", err)
			monitor = nil
		}
	}

	d, err := device.Open(ctx, dev, device.Options{
		Config:           cfg,
		SharedPath:       "/usr/share/hsdr",
		Log:              logger,
		Ticks:            hostif.NewTickerSource(10 * time.Millisecond),
		BandRelay:        relay,
		Monitor:          monitor,
		OpenDebugConsole: opts.debugConsole,
	})
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() {
		if err := d.Close(context.Background()); err != nil {
			logger.Error("device close", "err", err)
		}
	}()

	if opts.advertise {
		adv, err := discover.Advertise("hsdr-"+cfg.Serial, opts.advertisePort, cfg.Serial)
		if err != nil {
			logger.Warn("dns-sd advertisement disabled", "err", err)
		} else {
			defer adv.Stop()
		}
	}

	if err := d.Enable(ctx); err != nil {
		return fmt.Errorf("enable rf: %w", err)
	}

	logger.Info("hsdrd ready", "serial", cfg.Serial)
	<-ctx.Done()
	logger.Info("hsdrd shutting down")
	return nil
}

// loadConfigSource reads the YAML configuration file into a flat
// hostif.StaticConfigSource, spec §6.4's "named options resolved to
// strings" contract. Missing file is not an error — config.Load's
// clampFromConfig already falls back to §6.4's factory defaults for every
// option it cannot find.
func loadConfigSource(path string) (hostif.StaticConfigSource, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return hostif.StaticConfigSource{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fields map[string]string
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return hostif.StaticConfigSource(fields), nil
}
