//go:build !linux || !cgo

package nvml

import "errors"

// errUnavailable is returned by Init on builds without the NVML binding.
var errUnavailable = errors.New("nvml: built without NVML support (requires linux and cgo)")

type stubSource struct{}

// NewLibrarySource returns a Source whose Init always fails. Compile on linux
// with cgo enabled to get the real implementation.
func NewLibrarySource() Source {
	return stubSource{}
}

func (stubSource) Init() error { return errUnavailable }
func (stubSource) Shutdown() error { return nil }
func (stubSource) DriverVersion() (string, error) { return "", errUnavailable }
func (stubSource) DeviceCount() (int, error) { return 0, errUnavailable }
func (stubSource) DeviceByIndex(int) (Device, error) { return nil, errUnavailable }
