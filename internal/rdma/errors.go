package rdma

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLocation is returned for an unknown memory location name
	ErrInvalidLocation = errors.New("invalid QP location")
	// ErrNotHostAddressable is returned when host access is attempted on device memory
	ErrNotHostAddressable = errors.New("buffer is not host addressable")
	// ErrDeviceNotOpen is returned when an operation needs an opened device
	ErrDeviceNotOpen = errors.New("RDMA device is not open")
	// ErrDeviceClosed is returned after Close
	ErrDeviceClosed = errors.New("RDMA device is closed")
	// ErrNoSuchPD is returned for an unallocated protection domain
	ErrNoSuchPD = errors.New("no such protection domain")
	// ErrNoSuchQP is returned for an unallocated queue pair
	ErrNoSuchQP = errors.New("no such queue pair")
	// ErrNoSuchBuffer is returned when a buffer is not owned by the device
	ErrNoSuchBuffer = errors.New("buffer not allocated on this device")
	// ErrQPExists is returned when a QP identifier is already allocated
	ErrQPExists = errors.New("queue pair already allocated")
	// ErrKeyInUse is returned when an access key is registered twice
	ErrKeyInUse = errors.New("access key already registered")
	// ErrQueueFull is returned when a WQE is posted to a full send queue
	ErrQueueFull = errors.New("send queue full")
	// ErrQueueEmpty is returned when PostSend finds nothing to submit
	ErrQueueEmpty = errors.New("send queue empty")
	// ErrOutOfRange is returned when an access falls outside a buffer
	ErrOutOfRange = errors.New("access outside buffer bounds")
	// ErrBackendUnavailable is returned when a backend is not compiled in
	ErrBackendUnavailable = errors.New("RDMA backend not available in this build")
)

// Status is the completion status of a submitted work request
type Status int

const (
	StatusSuccess Status = iota
	StatusLocalLengthError
	StatusLocalProtectionError
	StatusRemoteInvalidRequest
	StatusRemoteAccessError
	StatusRemoteOperationError
	StatusPSNSequenceError
	StatusTransportError
	StatusTimeout
	StatusFlushed
	StatusRetryExceeded
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalLengthError:
		return "local length error"
	case StatusLocalProtectionError:
		return "local protection error"
	case StatusRemoteInvalidRequest:
		return "remote invalid request"
	case StatusRemoteAccessError:
		return "remote access error"
	case StatusRemoteOperationError:
		return "remote operation error"
	case StatusPSNSequenceError:
		return "PSN sequence error"
	case StatusTransportError:
		return "transport error"
	case StatusTimeout:
		return "timeout"
	case StatusFlushed:
		return "flushed"
	case StatusRetryExceeded:
		return "retry exceeded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CompletionError reports a failed submission with the engine's numeric code
type CompletionError struct {
	QPID   uint32
	Code   int
	Status Status
	Err    error
}

func (e *CompletionError) Error() string {
	msg := fmt.Sprintf("post send on QP %d failed with code %d (%s)", e.QPID, e.Code, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}
