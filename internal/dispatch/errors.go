package dispatch

import "fmt"

// ValidationError rejects a malformed send request. Terminal: the request is
// surfaced to the caller immediately and never queued.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid send request: " + e.Reason }

// TransportError wraps a failed transport attempt on the direct send path.
// The caller decided to send now; the failure is surfaced, not silently
// queued for later. During replay passes transport errors are logged and the
// pass continues instead.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport send failed: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StorageError wraps a failed durable write. The request it carried is lost
// unless the caller retries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}
func (e *StorageError) Unwrap() error { return e.Err }
