//go:build linux

// Package usbid looks up USB vendor and product names in the usb.ids
// database shipped with most Linux distributions.
//
// Load the database once, then resolve names:
//
//	db := usbid.New()
//	db.Load()
//	fmt.Println(db.Describe(0x18d1, 0x2d05))
//
// Android accessory product IDs resolve even when no database file is
// found. All methods are safe for concurrent use.
package usbid
