// Package config loads softaoa settings. Values start from Default, are
// overridden by an optional HJSON file and then by command-line flags:
//
//	{
//	  transport: linux
//	  log-level: info
//	  model: iMX6Q
//	  sink: file
//	  sink-path: /tmp/capture.pcm.gz
//	  display: [terminal, dbus]
//	}
package config
