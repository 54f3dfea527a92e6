package registry

import "errors"

var (
	// ErrDeviceAlreadyRegistered is returned when registering an id that is already held.
	ErrDeviceAlreadyRegistered = errors.New("device already registered")
	// ErrDeviceUnknown is returned for operations on an id the registry does not hold.
	ErrDeviceUnknown = errors.New("device not registered")
	// ErrTooManyDevicesPerIP is returned when a registration would exceed the per-address cap.
	ErrTooManyDevicesPerIP = errors.New("too many devices registered from this address")
	// ErrInsufficientRegisteredDevices is the error form of a verification that resolved
	// fewer than two registered devices.
	ErrInsufficientRegisteredDevices = errors.New("not enough registered devices")
	// ErrInvalidSquadSize is returned when a squad would fall outside the allowed size range.
	ErrInvalidSquadSize = errors.New("invalid squad size")
	// ErrUnregisteredSquadMember is returned when a squad member is not a registered device.
	ErrUnregisteredSquadMember = errors.New("squad member not registered")
	ErrDuplicateSquadMember    = errors.New("device listed twice in squad")
	ErrSquadNotFound           = errors.New("squad not found")
	ErrSquadFull               = errors.New("squad is full")
	ErrAlreadyMember           = errors.New("device already in squad")
	ErrNotMember               = errors.New("device not in squad")
	// ErrNotOwner is returned when a transfer names the wrong current owner.
	ErrNotOwner = errors.New("address does not own device")
)
