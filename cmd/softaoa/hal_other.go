//go:build !linux

package main

import (
	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

func newLinuxHAL() (hal.HostHAL, error) {
	return nil, pkg.ErrNotSupported
}
