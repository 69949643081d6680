//go:build linux

package linux

import "unsafe"

// ioc builds an ioctl request number the way the kernel's _IOC macro does.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr
}

const (
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ior(typ, nr, size uintptr) uintptr { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }
func ionone(typ, nr uintptr) uintptr { return ioc(iocNone, typ, nr, 0) }

const usbdevfsType = 'U'

// usbdevfs request numbers from linux/usbdevice_fs.h. Argument sizes come
// from the Go mirrors of the kernel structs, so they follow the word size.
var (
	ioctlControl          = iowr(usbdevfsType, 0, unsafe.Sizeof(ctrlTransfer{}))
	ioctlBulk             = iowr(usbdevfsType, 2, unsafe.Sizeof(bulkTransfer{}))
	ioctlSetInterface     = ior(usbdevfsType, 4, unsafe.Sizeof(setInterface{}))
	ioctlSubmitURB        = ior(usbdevfsType, 10, unsafe.Sizeof(urb{}))
	ioctlDiscardURB       = ionone(usbdevfsType, 11)
	ioctlReapURBNDelay    = iow(usbdevfsType, 13, unsafe.Sizeof(uintptr(0)))
	ioctlClaimInterface   = ior(usbdevfsType, 15, unsafe.Sizeof(uint32(0)))
	ioctlReleaseInterface = ior(usbdevfsType, 16, unsafe.Sizeof(uint32(0)))
	ioctlIoctl            = iowr(usbdevfsType, 18, unsafe.Sizeof(usbIoctl{}))
	ioctlClearHalt        = ior(usbdevfsType, 21, unsafe.Sizeof(uint32(0)))
	ioctlDisconnect       = ionone(usbdevfsType, 22)
	ioctlConnect          = ionone(usbdevfsType, 23)
)
