package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softaoa/accessory"
	"github.com/ardnew/softaoa/audio"
	"github.com/ardnew/softaoa/audio/sink"
	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/host"
	"github.com/ardnew/softaoa/pkg"
	"github.com/ardnew/softaoa/session"
)

// Transports accepted by the transport key.
const (
	TransportLinux  = "linux"
	TransportLibusb = "libusb"
	TransportSim    = "sim"
)

const fileName = "softaoa.hjson"

// Config holds every setting.
type Config struct {
	Transport string `koanf:"transport"`
	LogLevel  string `koanf:"log-level"`
	LogFormat string `koanf:"log-format"`

	Identity accessory.HostIdentity `koanf:",squash"`

	Audio       bool   `koanf:"audio"`
	Sink        string `koanf:"sink"`
	SinkCommand string `koanf:"sink-command"`
	SinkPath    string `koanf:"sink-path"`
	QueueFrames int    `koanf:"queue-frames"`
	PrimeFrames int    `koanf:"prime-frames"`

	AccessoryInterface int `koanf:"accessory-interface"`
	BulkIn             int `koanf:"bulk-in"`
	BulkOut            int `koanf:"bulk-out"`
	AudioInterface     int `koanf:"audio-interface"`
	AudioAlt           int `koanf:"audio-alt"`
	IsoEndpoint        int `koanf:"iso-endpoint"`

	ReadTimeout time.Duration `koanf:"read-timeout"`
	Ack         bool          `koanf:"ack"`
	SettleDelay time.Duration `koanf:"settle-delay"`

	Display []string `koanf:"display"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Transport: TransportLinux,
		LogLevel:  "warn",
		LogFormat: "text",

		Identity: accessory.DefaultHostIdentity(),

		Audio:       true,
		Sink:        sink.KindExec,
		QueueFrames: audio.DefaultQueueFrames,

		AccessoryInterface: command.DefaultInterface,
		BulkIn:             command.DefaultBulkIn,
		BulkOut:            command.DefaultBulkOut,
		AudioInterface:     int(session.DefaultIsoConfig.Interface),
		AudioAlt:           int(session.DefaultIsoConfig.AltSetting),
		IsoEndpoint:        int(session.DefaultIsoConfig.Endpoint),

		ReadTimeout: command.DefaultReadTimeout,

		Display: []string{"terminal"},
	}
}

// DefaultPath returns softaoa.hjson under the user configuration
// directory, or "" if there is none.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "softaoa", fileName)
}

// Load reads path, then the flags set on cliCtx, over Default. A missing
// file is an error only when required is set. cliCtx may be nil.
func Load(path string, required bool, cliCtx *cli.Context) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		err := k.Load(file.Provider(path), hjson.Parser())
		switch {
		case err == nil:
			pkg.LogDebug(pkg.ComponentConfig, "loaded config file", "path", path)
		case !required && errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if cliCtx != nil {
		// Flags of the root command merge under the root namespace.
		cliCtx.Command.Name = "global"
		if err := k.Load(cliflagv2.Provider(cliCtx, "."), nil); err != nil {
			return Config{}, fmt.Errorf("flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every setting.
func (c Config) Validate() error {
	for _, validate := range []func() error{
		c.validateTransport,
		c.validateLogging,
		c.Identity.Validate,
		c.validateAudio,
		c.validateEndpoints,
		c.validateTiming,
	} {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) validateTransport() error {
	switch strings.ToLower(c.Transport) {
	case TransportLinux, TransportLibusb, TransportSim:
		return nil
	}
	return fmt.Errorf("%w: transport %q", pkg.ErrInvalidParameter, c.Transport)
}

func (c Config) validateLogging() error {
	if _, err := pkg.ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	_, err := pkg.ParseLogFormat(c.LogFormat)
	return err
}

func (c Config) validateAudio() error {
	if !c.Audio {
		return nil
	}
	if _, err := sink.Open(c.sinkConfig()); err != nil {
		return err
	}
	return c.pipelineOptions().Validate()
}

func (c Config) validateEndpoints() error {
	for name, v := range map[string]int{
		"accessory-interface": c.AccessoryInterface,
		"bulk-in":             c.BulkIn,
		"bulk-out":            c.BulkOut,
		"audio-interface":     c.AudioInterface,
		"audio-alt":           c.AudioAlt,
		"iso-endpoint":        c.IsoEndpoint,
	} {
		if v < 0 || v > 0xFF {
			return fmt.Errorf("%w: %s %d out of range", pkg.ErrInvalidParameter, name, v)
		}
	}
	if c.IsoEndpoint&0x80 == 0 {
		return fmt.Errorf("%w: iso-endpoint 0x%02x is not IN", pkg.ErrInvalidEndpoint, c.IsoEndpoint)
	}
	return c.commandOptions().Validate()
}

func (c Config) validateTiming() error {
	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: settle-delay %v", pkg.ErrInvalidParameter, c.SettleDelay)
	}
	return nil
}

// =============================================================================
// Component Options
// =============================================================================

// Negotiator returns the accessory negotiator options.
func (c Config) Negotiator() accessory.Options {
	opts := accessory.DefaultOptions()
	opts.Host = c.Identity
	opts.Audio = c.Audio
	return opts
}

// Session returns the controller options, opening the configured sink
// when audio is enabled.
func (c Config) Session() (session.Options, error) {
	opts := session.DefaultOptions()
	opts.Command = c.commandOptions()
	opts.Audio = c.pipelineOptions()
	opts.Iso = host.IsoConfig{
		Interface:  uint8(c.AudioInterface),
		AltSetting: uint8(c.AudioAlt),
		Endpoint:   uint8(c.IsoEndpoint),
	}
	opts.SettleDelay = c.SettleDelay

	if c.Audio {
		open, err := sink.Open(c.sinkConfig())
		if err != nil {
			return session.Options{}, err
		}
		opts.Opener = open
	}
	return opts, nil
}

func (c Config) commandOptions() command.Options {
	opts := command.DefaultOptions()
	opts.Interface = uint8(c.AccessoryInterface)
	opts.BulkIn = uint8(c.BulkIn)
	opts.BulkOut = uint8(c.BulkOut)
	opts.ReadTimeout = c.ReadTimeout
	opts.Ack = c.Ack
	return opts
}

func (c Config) pipelineOptions() audio.Options {
	opts := audio.DefaultOptions()
	opts.QueueFrames = c.QueueFrames
	opts.PrimeFrames = c.PrimeFrames
	return opts
}

func (c Config) sinkConfig() sink.Config {
	return sink.Config{Kind: c.Sink, Command: c.SinkCommand, Path: c.SinkPath}
}

// Displays returns the display kinds, splitting comma-separated entries.
func (c Config) Displays() []string {
	var kinds []string
	for _, d := range c.Display {
		for _, kind := range strings.Split(d, ",") {
			if kind = strings.TrimSpace(kind); kind != "" {
				kinds = append(kinds, kind)
			}
		}
	}
	return kinds
}
