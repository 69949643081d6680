//go:build linux

package main

import (
	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/host/hal/linux"
)

func newLinuxHAL() (hal.HostHAL, error) {
	return linux.NewHostHAL(), nil
}
