//go:build linux

package linux

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softaoa/pkg"
)

// =============================================================================
// Kernel Structures
// =============================================================================

// urb mirrors struct usbdevfs_urb up to, but not including, the trailing
// iso_frame_desc array.
type urb struct {
	typ          uint8
	endpoint     uint8
	status       int32
	flags        uint32
	buffer       uintptr
	bufferLength int32
	actualLength int32
	startFrame   int32
	numPackets   int32 // union with stream_id
	errorCount   int32
	signr        uint32
	userContext  uintptr
}

// isoPacketDesc mirrors struct usbdevfs_iso_packet_desc.
type isoPacketDesc struct {
	length       uint32
	actualLength uint32
	status       int32
}

// isoURB is an urb followed by its packet descriptors, laid out the way
// the kernel expects them in one allocation.
type isoURB struct {
	urb
	packets [MaxISOPackets]isoPacketDesc
}

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        uintptr
}

// bulkTransfer mirrors struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     uintptr
}

// setInterface mirrors struct usbdevfs_setinterface.
type setInterface struct {
	iface      uint32
	altsetting uint32
}

// usbIoctl mirrors struct usbdevfs_ioctl, used to reach a single
// interface's driver.
type usbIoctl struct {
	ifno      int32
	ioctlCode int32
	data      uintptr
}

// =============================================================================
// Syscall Wrappers
// =============================================================================

func openDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func closeDevice(fd int) error {
	return unix.Close(fd)
}

func ioctl(fd int, req, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// timeoutMillis converts a context deadline into a usbfs timeout, falling
// back to def when there is none. Zero would mean "wait forever".
func timeoutMillis(deadline time.Time, ok bool, def time.Duration) uint32 {
	d := def
	if ok {
		d = time.Until(deadline)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return uint32(d / time.Millisecond)
}

// =============================================================================
// USBDEVFS Operations
// =============================================================================

func doControlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeout uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeout,
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctl(fd, ioctlControl, uintptr(unsafe.Pointer(&ctrl)))
}

func doBulkTransfer(fd int, endpoint uint8, data []byte, timeout uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeout,
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctl(fd, ioctlBulk, uintptr(unsafe.Pointer(&bulk)))
}

func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, ioctlClaimInterface, uintptr(unsafe.Pointer(&n)))
	return err
}

func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, ioctlReleaseInterface, uintptr(unsafe.Pointer(&n)))
	return err
}

func selectAltSetting(fd int, iface, alt uint8) error {
	s := setInterface{iface: uint32(iface), altsetting: uint32(alt)}
	_, err := ioctl(fd, ioctlSetInterface, uintptr(unsafe.Pointer(&s)))
	return err
}

// disconnectDriver detaches the kernel driver bound to one interface.
func disconnectDriver(fd int, iface uint8) error {
	cmd := usbIoctl{ifno: int32(iface), ioctlCode: int32(ioctlDisconnect)}
	_, err := ioctl(fd, ioctlIoctl, uintptr(unsafe.Pointer(&cmd)))
	return err
}

// connectDriver asks the kernel to rebind a driver to one interface.
func connectDriver(fd int, iface uint8) error {
	cmd := usbIoctl{ifno: int32(iface), ioctlCode: int32(ioctlConnect)}
	_, err := ioctl(fd, ioctlIoctl, uintptr(unsafe.Pointer(&cmd)))
	return err
}

// clearHalt clears a stalled endpoint.
func clearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, err := ioctl(fd, ioctlClearHalt, uintptr(unsafe.Pointer(&ep)))
	return err
}

// =============================================================================
// Async URB Operations
// =============================================================================

func submitURB(fd int, u *urb) error {
	_, err := ioctl(fd, ioctlSubmitURB, uintptr(unsafe.Pointer(u)))
	return err
}

// reapURBNDelay retrieves a completed URB without blocking.
// Returns EAGAIN if none is available.
func reapURBNDelay(fd int) (*urb, error) {
	var u *urb
	if _, err := ioctl(fd, ioctlReapURBNDelay, uintptr(unsafe.Pointer(&u))); err != nil {
		return nil, err
	}
	return u, nil
}

func discardURB(fd int, u *urb) error {
	_, err := ioctl(fd, ioctlDiscardURB, uintptr(unsafe.Pointer(u)))
	return err
}

// initISOURB prepares u to read packets of packetSize bytes into buf.
func initISOURB(u *isoURB, endpoint uint8, buf []byte, packetSize int) int {
	n := len(buf) / packetSize
	if n > MaxISOPackets {
		n = MaxISOPackets
	}
	*u = isoURB{}
	u.typ = URBTypeISO
	u.endpoint = endpoint
	u.flags = URBISOAsap
	u.buffer = uintptr(unsafe.Pointer(&buf[0]))
	u.bufferLength = int32(n * packetSize)
	u.numPackets = int32(n)
	for i := 0; i < n; i++ {
		u.packets[i].length = uint32(packetSize)
	}
	return n
}

// compactISO moves the payload of each completed packet to the front of
// buf, skipping failed packets, and returns the total.
func compactISO(u *isoURB, buf []byte, packetSize int) int {
	total := 0
	for i := 0; i < int(u.numPackets); i++ {
		p := &u.packets[i]
		if p.status != 0 || p.actualLength == 0 {
			continue
		}
		start := i * packetSize
		n := int(p.actualLength)
		if n > packetSize {
			n = packetSize
		}
		total += copy(buf[total:], buf[start:start+n])
	}
	return total
}

// =============================================================================
// Error Mapping
// =============================================================================

func isNoDevice(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ESHUTDOWN)
}

func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}

// translateErrno maps usbfs failures onto pkg sentinel errors.
func translateErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case isNoDevice(err):
		return pkg.ErrNoDevice
	case errors.Is(err, unix.ETIMEDOUT):
		return pkg.ErrTimeout
	case errors.Is(err, unix.EPIPE):
		return pkg.ErrStall
	case errors.Is(err, unix.EOVERFLOW):
		return pkg.ErrOverrun
	case errors.Is(err, unix.EBUSY):
		return pkg.ErrBusy
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ECONNRESET):
		return pkg.ErrCancelled
	case errors.Is(err, unix.EPROTO), errors.Is(err, unix.EILSEQ), errors.Is(err, unix.EXDEV):
		return pkg.ErrProtocol
	}
	return err
}

// urbStatusError converts a completed URB's negative errno status.
func urbStatusError(status int32) error {
	if status == 0 {
		return nil
	}
	return translateErrno(unix.Errno(-status))
}
