// Package usbid looks up vendor and product names in a usb.ids database.
//
// The database is the plain-text list maintained at linux-usb.org and
// shipped with most distributions. Vendor lines carry a four-digit hex ID
// and a name; product lines follow their vendor, indented by one tab:
//
//	1209  Generic
//		0001  pid.codes Test PID
//
// A Database is filled once with Parse or Open and is safe for concurrent
// lookups afterwards. Unknown IDs resolve to the empty string.
package usbid
