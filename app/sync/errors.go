package sync

import "fmt"

// SyncError is the single job-level error type. Jobs translate network,
// parse and storage failures into it before the scheduler sees them, so the
// scheduler never needs to know about lower-level error classes; they only
// differ in the failure message.
type SyncError struct {
	Class string
	Msg   string
	Err   error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Class, e.Msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func networkErr(err error, format string, args ...interface{}) *SyncError {
	return &SyncError{Class: "network", Msg: fmt.Sprintf(format, args...), Err: err}
}

func parseErr(err error, format string, args ...interface{}) *SyncError {
	return &SyncError{Class: "parse", Msg: fmt.Sprintf(format, args...), Err: err}
}

func storageErr(err error, format string, args ...interface{}) *SyncError {
	return &SyncError{Class: "storage", Msg: fmt.Sprintf(format, args...), Err: err}
}
