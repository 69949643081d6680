package config

import (
	"github.com/urfave/cli/v2"
)

// FlagConfig names the flag holding the config file path.
const FlagConfig = "config"

// Flags returns the command-line flags for every setting. They carry no
// default values, so only flags given on the command line override the
// file and Default.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    FlagConfig,
			Aliases: []string{"c"},
			EnvVars: []string{"SOFTAOA_CONFIG"},
			Usage:   "Read settings from `FILE` (HJSON).",
		},
		&cli.StringFlag{
			Name:    "transport",
			Aliases: []string{"t"},
			EnvVars: []string{"SOFTAOA_TRANSPORT"},
			Usage:   "USB backend: linux, libusb or sim. (default: linux)",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			EnvVars: []string{"SOFTAOA_LOG_LEVEL"},
			Usage:   "Minimum log level: debug, info, warn or error. (default: warn)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: text, json or tint. (default: text)",
		},
		&cli.StringFlag{Name: "manufacturer", Usage: "Accessory manufacturer string sent to the device."},
		&cli.StringFlag{Name: "model", Usage: "Accessory model string sent to the device."},
		&cli.StringFlag{Name: "description", Usage: "Accessory description string sent to the device."},
		&cli.StringFlag{Name: "version", Usage: "Accessory version string sent to the device."},
		&cli.StringFlag{Name: "uri", Usage: "Accessory URI string sent to the device."},
		&cli.StringFlag{Name: "serial", Usage: "Accessory serial string sent to the device."},
		&cli.BoolFlag{
			Name:  "audio",
			Usage: "Request and stream accessory audio; --audio=false disables it. (default: true)",
		},
		&cli.StringFlag{
			Name:    "sink",
			Aliases: []string{"s"},
			Usage:   "PCM sink: exec, file or discard. (default: exec)",
		},
		&cli.StringFlag{Name: "sink-command", Usage: "Player command for the exec sink. (default: aplay)"},
		&cli.StringFlag{Name: "sink-path", Usage: "Capture `FILE` for the file sink; .gz compresses."},
		&cli.IntFlag{Name: "queue-frames", Usage: "Audio queue capacity in frames. (default: 2)"},
		&cli.IntFlag{Name: "prime-frames", Usage: "Frames of silence written before audio starts."},
		&cli.IntFlag{Name: "accessory-interface", Usage: "Accessory bulk interface number. (default: 0)"},
		&cli.IntFlag{Name: "bulk-in", Usage: "Command bulk IN endpoint. (default: 0x81)"},
		&cli.IntFlag{Name: "bulk-out", Usage: "Command bulk OUT endpoint. (default: 0x02)"},
		&cli.IntFlag{Name: "audio-interface", Usage: "Audio streaming interface number. (default: 2)"},
		&cli.IntFlag{Name: "audio-alt", Usage: "Audio streaming alternate setting. (default: 1)"},
		&cli.IntFlag{Name: "iso-endpoint", Usage: "Audio isochronous IN endpoint. (default: 0x83)"},
		&cli.DurationFlag{Name: "read-timeout", Usage: "Command channel read timeout. (default: 500ms)"},
		&cli.BoolFlag{Name: "ack", Usage: "Acknowledge each command frame on bulk OUT."},
		&cli.DurationFlag{Name: "settle-delay", Usage: "Pause after a session ends before accepting a device."},
		&cli.StringSliceFlag{
			Name:    "display",
			Aliases: []string{"d"},
			Usage:   "Displays to drive: log, terminal, dbus or none. (default: terminal)",
		},
	}
}
