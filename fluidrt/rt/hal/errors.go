package hal

import "errors"

var (
	ErrPoolExhausted      = errors.New("hal: descriptor pool exhausted")
	ErrDeviceUnresponsive = errors.New("hal: device unresponsive (fence wait timed out)")
	ErrProgramLoad        = errors.New("hal: compute program failed to load")
	ErrInvalidHandle      = errors.New("hal: handle belongs to another device or was released")
	ErrDeviceLost         = errors.New("hal: device lost")
	ErrNotRecording       = errors.New("hal: command buffer is not recording")
)

// ErrBufferInUse is returned by backends that can detect a host write to a
// buffer still referenced by an unfinished submission.
var ErrBufferInUse = errors.New("hal: buffer is in use by the device")
