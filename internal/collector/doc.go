// Package collector reads GPU telemetry from NVML into a Metrics snapshot.
//
// A collection is all-or-nothing for mandatory readings: if the library
// cannot be initialised, devices cannot be enumerated, or any device fails a
// mandatory query, Collect returns an error and no partial snapshot. Optional
// readings (clocks, power limits, PCIe, ECC, encoder/decoder, process counts)
// are probed individually and left nil when the capability is unsupported.
package collector
