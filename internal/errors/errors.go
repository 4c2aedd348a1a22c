package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Code classifies an exporter failure.
type Code string

// Exporter error codes.
const (
	ErrSourceUnavailable Code = "SOURCE_UNAVAILABLE"
	ErrMandatoryField    Code = "MANDATORY_FIELD"
	ErrTimeout           Code = "TIMEOUT"
	ErrInvalidSnapshot   Code = "INVALID_SNAPSHOT"
	ErrEncoding          Code = "ENCODING"
)

// defaultTTL is how long a reported error stays active without being re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// ExporterError is a typed failure raised while collecting or encoding GPU metrics.
// Device and Field are set for per-device failures.
type ExporterError struct {
	Code      Code
	Component string
	Device    string
	Field     string
	Err       error
}

// Error implements the error interface.
func (e *ExporterError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Component, e.Code)
	if e.Device != "" {
		msg += fmt.Sprintf(" (device %s", e.Device)
		if e.Field != "" {
			msg += fmt.Sprintf(", field %s", e.Field)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *ExporterError) Unwrap() error {
	return e.Err
}

// New builds an ExporterError for the given component.
func New(code Code, component string, err error) *ExporterError {
	return &ExporterError{Code: code, Component: component, Err: err}
}

// DeviceField builds an ExporterError for a single device field read.
func DeviceField(code Code, component, device, field string, err error) *ExporterError {
	return &ExporterError{Code: code, Component: component, Device: device, Field: field, Err: err}
}

// CodeOf returns the code of the first ExporterError in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var ee *ExporterError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

type entry struct {
	err        *ExporterError
	lastReport time.Time
}

// Recorder keeps the most recent error per code so health endpoints can show
// why scrapes have been degraded. Entries expire after 5 minutes unless re-reported.
type Recorder struct {
	mu      sync.Mutex
	clock   Clock
	entries map[Code]entry
}

// NewRecorder creates a Recorder with the given clock.
func NewRecorder(clock Clock) *Recorder {
	return &Recorder{
		clock:   clock,
		entries: make(map[Code]entry),
	}
}

// Report stores or refreshes err. Errors without an ExporterError in their chain are ignored.
func (r *Recorder) Report(err error) {
	var ee *ExporterError
	if !stderrors.As(err, &ee) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ee.Code] = entry{err: ee, lastReport: r.clock.Now()}
}

// ActiveCodes returns the sorted codes reported within the TTL window.
func (r *Recorder) ActiveCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	codes := make([]string, 0, len(r.entries))
	for code, e := range r.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(r.entries, code)
			continue
		}
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	return codes
}

// Clear removes all tracked errors.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Code]entry)
}
