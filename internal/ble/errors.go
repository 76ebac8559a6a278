package ble

import "errors"

var (
	// ErrTransportUnavailable means the radio could not be enabled.
	ErrTransportUnavailable = errors.New("ble: transport unavailable")
	// ErrScanInProgress is returned when a scan is already running.
	ErrScanInProgress = errors.New("ble: scan in progress")
	// ErrNotConnected is returned by writes outside the Connected state.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrOperationInProgress is returned when another connect, disconnect
	// or reconnect attempt holds the link.
	ErrOperationInProgress = errors.New("ble: operation in progress")
	// ErrConnectFailed wraps transport failures while opening the link.
	ErrConnectFailed = errors.New("ble: connect failed")
	// ErrWriteFailed wraps transport failures on characteristic writes.
	ErrWriteFailed = errors.New("ble: write failed")
	// ErrInvalidState is returned by Connect when a link is already up or opening.
	ErrInvalidState = errors.New("ble: invalid state for operation")
	// ErrInvalidValue is returned for out-of-range control values.
	ErrInvalidValue = errors.New("ble: invalid value")
)
