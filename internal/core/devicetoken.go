package core

import "time"

// DeviceToken is a vendor push registration for one device.
// Unique on OpaqueToken; at most one active token per device is maintained
// by the store's register operation, not by this type.
type DeviceToken struct {
	DeviceID    string
	OpaqueToken string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
