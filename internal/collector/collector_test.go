package collector

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/nvidia-gpu-exporter/internal/errors"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/nvml"
)

const testWaitTimeout = 5 * time.Second

var errQuery = stderrors.New("nvml: unknown error")

// fakeDevice implements nvml.Device. Any query named in fail returns errQuery,
// any named in unsupported returns nvml.ErrNotSupported.
type fakeDevice struct {
	uuid, name  string
	minor       int
	temp, fan   uint32
	power       uint32
	mem         nvml.MemoryInfo
	util        nvml.Utilization
	clock       uint32
	maxClock    uint32
	powerLimit  uint32
	pstate      int
	linkGen     int
	linkWidth   int
	throughput  uint32
	codecUtil   uint32
	eccErrors   uint64
	processes   int
	fail        map[string]bool
	unsupported map[string]bool
}

func (d *fakeDevice) err(field string) error {
	if d.fail[field] {
		return errQuery
	}
	if d.unsupported[field] {
		return nvml.ErrNotSupported
	}
	return nil
}

func (d *fakeDevice) UUID() (string, error) { return d.uuid, d.err("uuid") }
func (d *fakeDevice) Name() (string, error) { return d.name, d.err("name") }
func (d *fakeDevice) MinorNumber() (int, error) { return d.minor, d.err("minor_number") }
func (d *fakeDevice) Temperature() (uint32, error) { return d.temp, d.err("temperature") }
func (d *fakeDevice) FanSpeed() (uint32, error) { return d.fan, d.err("fan_speed") }
func (d *fakeDevice) PowerUsage() (uint32, error) { return d.power, d.err("power_usage") }
func (d *fakeDevice) MemoryInfo() (nvml.MemoryInfo, error) {
	return d.mem, d.err("memory_info")
}
func (d *fakeDevice) UtilizationRates() (nvml.Utilization, error) {
	return d.util, d.err("utilization")
}
func (d *fakeDevice) ClockInfo(c nvml.ClockType) (uint32, error) {
	return d.clock, d.err("clock_" + c.String())
}
func (d *fakeDevice) MaxClockInfo(c nvml.ClockType) (uint32, error) {
	return d.maxClock, d.err("clock_" + c.String() + "_max")
}
func (d *fakeDevice) PowerManagementLimit() (uint32, error) {
	return d.powerLimit, d.err("power_limit")
}
func (d *fakeDevice) PowerManagementDefaultLimit() (uint32, error) {
	return d.powerLimit, d.err("power_limit_default")
}
func (d *fakeDevice) PerformanceState() (int, error) { return d.pstate, d.err("performance_state") }
func (d *fakeDevice) CurrentPCIeLinkGeneration() (int, error) {
	return d.linkGen, d.err("pcie_link_gen")
}
func (d *fakeDevice) CurrentPCIeLinkWidth() (int, error) { return d.linkWidth, d.err("pcie_link_width") }
func (d *fakeDevice) PCIeThroughput(c nvml.PCIeCounter) (uint32, error) {
	if c == nvml.PCIeRx {
		return d.throughput, d.err("pcie_rx_throughput")
	}
	return d.throughput, d.err("pcie_tx_throughput")
}
func (d *fakeDevice) EncoderUtilization() (uint32, error) {
	return d.codecUtil, d.err("encoder_utilization")
}
func (d *fakeDevice) DecoderUtilization() (uint32, error) {
	return d.codecUtil, d.err("decoder_utilization")
}
func (d *fakeDevice) TotalECCErrors(t nvml.ECCErrorType) (uint64, error) {
	if t == nvml.ECCUncorrected {
		return d.eccErrors, d.err("ecc_errors_uncorrected")
	}
	return d.eccErrors, d.err("ecc_errors_corrected")
}
func (d *fakeDevice) ComputeProcessCount() (int, error) {
	return d.processes, d.err("compute_processes")
}
func (d *fakeDevice) GraphicsProcessCount() (int, error) {
	return d.processes, d.err("graphics_processes")
}

// fakeSource implements nvml.Source.
type fakeSource struct {
	version  string
	devices  []*fakeDevice
	initErr  error
	countErr error
	block    chan struct{} // when set, Init waits on it

	inits     atomic.Int32
	shutdowns atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *fakeSource) Init() error {
	n := s.active.Add(1)
	for {
		cur := s.maxActive.Load()
		if n <= cur || s.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	s.inits.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.initErr != nil {
		s.active.Add(-1)
	}
	return s.initErr
}

func (s *fakeSource) Shutdown() error {
	s.shutdowns.Add(1)
	s.active.Add(-1)
	return nil
}

func (s *fakeSource) DriverVersion() (string, error) { return s.version, nil }

func (s *fakeSource) DeviceCount() (int, error) { return len(s.devices), s.countErr }

func (s *fakeSource) DeviceByIndex(i int) (nvml.Device, error) {
	if i >= len(s.devices) {
		return nil, errQuery
	}
	return s.devices[i], nil
}

func newFakeDevice(minor int, uuid string) *fakeDevice {
	return &fakeDevice{
		uuid:       uuid,
		name:       "NVIDIA GeForce RTX 3080",
		minor:      minor,
		temp:       65,
		fan:        75,
		power:      250000,
		mem:        nvml.MemoryInfo{Total: 10737418240, Used: 5368709120, Free: 5368709120},
		util:       nvml.Utilization{GPU: 85, Memory: 50},
		clock:      1710,
		maxClock:   1905,
		powerLimit: 320000,
		pstate:     2,
		linkGen:    4,
		linkWidth:  16,
		throughput: 5000,
		codecUtil:  15,
		eccErrors:  0,
		processes:  3,
	}
}

func TestCollect_Success(t *testing.T) {
	src := &fakeSource{
		version: "525.116.04",
		devices: []*fakeDevice{newFakeDevice(0, "GPU-1")},
	}
	c := NewNVMLCollector(src)

	m, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "525.116.04", m.Version)
	require.Len(t, m.Devices, 1)

	d := m.Devices[0]
	assert.Equal(t, "0", d.Index)
	assert.Equal(t, "0", d.MinorNumber)
	assert.Equal(t, "GPU-1", d.UUID)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", d.Name)
	assert.InDelta(t, 65.0, d.Temperature, 0.001)
	assert.InDelta(t, 75.0, d.FanSpeed, 0.001)
	assert.InDelta(t, 250000.0, d.PowerUsage, 0.001)
	assert.InDelta(t, 10737418240.0, d.MemoryTotal, 0.001)
	assert.InDelta(t, 5368709120.0, d.MemoryUsed, 0.001)
	assert.InDelta(t, 85.0, d.UtilizationGPU, 0.001)
	assert.InDelta(t, 50.0, d.UtilizationMemory, 0.001)

	require.NotNil(t, d.ClockGraphics)
	assert.InDelta(t, 1710.0, *d.ClockGraphics, 0.001)
	require.NotNil(t, d.ClockMemoryMax)
	assert.InDelta(t, 1905.0, *d.ClockMemoryMax, 0.001)
	require.NotNil(t, d.PerformanceState)
	assert.InDelta(t, 2.0, *d.PerformanceState, 0.001)
	require.NotNil(t, d.ECCErrorsCorrected)
	assert.Zero(t, *d.ECCErrorsCorrected)
	require.NotNil(t, d.GraphicsProcesses)
	assert.InDelta(t, 3.0, *d.GraphicsProcesses, 0.001)

	assert.EqualValues(t, 1, src.inits.Load())
	assert.EqualValues(t, 1, src.shutdowns.Load())
}

func TestCollect_AveragesCopyInstantaneousValues(t *testing.T) {
	src := &fakeSource{version: "550.54.15", devices: []*fakeDevice{newFakeDevice(0, "GPU-1")}}

	m, err := NewNVMLCollector(src).Collect(context.Background())
	require.NoError(t, err)

	d := m.Devices[0]
	assert.Equal(t, d.PowerUsage, d.PowerUsageAverage)
	assert.Equal(t, d.UtilizationGPU, d.UtilizationGPUAverage)
}

func TestCollect_PreservesEnumerationOrder(t *testing.T) {
	src := &fakeSource{
		version: "550.54.15",
		devices: []*fakeDevice{
			newFakeDevice(3, "GPU-a"),
			newFakeDevice(1, "GPU-b"),
			newFakeDevice(2, "GPU-c"),
		},
	}

	m, err := NewNVMLCollector(src).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Devices, 3)

	for i, want := range []string{"3", "1", "2"} {
		assert.Equal(t, want, m.Devices[i].MinorNumber)
		assert.Equal(t, []string{"0", "1", "2"}[i], m.Devices[i].Index)
	}
}

func TestCollect_OptionalFieldsAbsent(t *testing.T) {
	dev := newFakeDevice(0, "GPU-1")
	dev.unsupported = map[string]bool{
		"clock_graphics":         true,
		"ecc_errors_corrected":   true,
		"ecc_errors_uncorrected": true,
	}
	dev.fail = map[string]bool{"performance_state": true}
	src := &fakeSource{version: "550.54.15", devices: []*fakeDevice{dev}}

	m, err := NewNVMLCollector(src).Collect(context.Background())
	require.NoError(t, err)

	d := m.Devices[0]
	assert.Nil(t, d.ClockGraphics)
	assert.Nil(t, d.ECCErrorsCorrected)
	assert.Nil(t, d.ECCErrorsUncorrected)
	assert.Nil(t, d.PerformanceState)
	assert.NotNil(t, d.ClockSM, "unrelated optional fields must still be read")
	assert.NotNil(t, d.PowerLimit)
}

func TestCollect_FanSpeedUnsupportedReadsZero(t *testing.T) {
	dev := newFakeDevice(0, "GPU-1")
	dev.unsupported = map[string]bool{"fan_speed": true}
	src := &fakeSource{version: "550.54.15", devices: []*fakeDevice{dev}}

	m, err := NewNVMLCollector(src).Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, m.Devices[0].FanSpeed)
}

func TestCollect_InitFailure(t *testing.T) {
	src := &fakeSource{initErr: stderrors.New("driver not loaded")}

	m, err := NewNVMLCollector(src).Collect(context.Background())
	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, errors.HasCode(err, errors.ErrSourceUnavailable))
	assert.EqualValues(t, 0, src.shutdowns.Load(), "shutdown must not run after a failed init")
}

func TestCollect_DeviceCountFailure(t *testing.T) {
	src := &fakeSource{version: "550.54.15", countErr: errQuery}

	_, err := NewNVMLCollector(src).Collect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSourceUnavailable))
	assert.EqualValues(t, 1, src.shutdowns.Load())
}

func TestCollect_MandatoryFieldFailureAbortsWholeCollection(t *testing.T) {
	for _, field := range []string{"uuid", "name", "minor_number", "temperature", "power_usage", "memory_info", "utilization"} {
		t.Run(field, func(t *testing.T) {
			bad := newFakeDevice(1, "GPU-2")
			bad.fail = map[string]bool{field: true}
			src := &fakeSource{
				version: "550.54.15",
				devices: []*fakeDevice{newFakeDevice(0, "GPU-1"), bad},
			}

			m, err := NewNVMLCollector(src).Collect(context.Background())
			require.Error(t, err)
			assert.Nil(t, m, "a healthy device must not be returned when another fails")

			var ee *errors.ExporterError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, errors.ErrMandatoryField, ee.Code)
			assert.Equal(t, "1", ee.Device)
			assert.Equal(t, field, ee.Field)
			assert.ErrorIs(t, err, errQuery)
		})
	}
}

func TestCollect_DuplicateMinorNumbers(t *testing.T) {
	src := &fakeSource{
		version: "550.54.15",
		devices: []*fakeDevice{newFakeDevice(0, "GPU-1"), newFakeDevice(0, "GPU-2")},
	}

	_, err := NewNVMLCollector(src).Collect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidSnapshot))
}

func TestCollect_MemoryUsedAboveTotal(t *testing.T) {
	dev := newFakeDevice(0, "GPU-1")
	dev.mem = nvml.MemoryInfo{Total: 100, Used: 200}
	src := &fakeSource{version: "550.54.15", devices: []*fakeDevice{dev}}

	_, err := NewNVMLCollector(src).Collect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidSnapshot))
}

func TestCollect_NoDevices(t *testing.T) {
	src := &fakeSource{version: "550.54.15"}

	m, err := NewNVMLCollector(src).Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.Devices)
	assert.Equal(t, "550.54.15", m.Version)
}

func TestCollect_TimeoutOnHangingSource(t *testing.T) {
	src := &fakeSource{version: "550.54.15", block: make(chan struct{})}
	c := NewNVMLCollector(src)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Collect(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTimeout))
	assert.Less(t, time.Since(start), testWaitTimeout)

	// The hung call still holds the source; a second scrape times out waiting for it.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = c.Collect(ctx2)
	assert.True(t, errors.HasCode(err, errors.ErrTimeout))
	assert.EqualValues(t, 1, src.inits.Load())

	// Once the library returns, the source is released.
	close(src.block)
	require.Eventually(t, func() bool {
		m, err := c.Collect(context.Background())
		return err == nil && m != nil
	}, testWaitTimeout, 10*time.Millisecond)
}

func TestCollect_CancelledContextIsNotTimeout(t *testing.T) {
	src := &fakeSource{version: "550.54.15", devices: []*fakeDevice{newFakeDevice(0, "GPU-1")}}
	c := NewNVMLCollector(src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := c.Collect(ctx)
	assert.Nil(t, m)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.HasCode(err, errors.ErrTimeout))
	assert.EqualValues(t, 0, src.inits.Load(), "a cancelled scrape must not touch the source")
}

func TestCollect_CancelWhileHanging(t *testing.T) {
	src := &fakeSource{version: "550.54.15", block: make(chan struct{})}
	defer close(src.block)
	c := NewNVMLCollector(src)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Collect(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, errors.CodeOf(err))
}

func TestCollect_SerializesSourceAccess(t *testing.T) {
	src := &fakeSource{
		version: "550.54.15",
		devices: []*fakeDevice{newFakeDevice(0, "GPU-1"), newFakeDevice(1, "GPU-2")},
	}
	c := NewNVMLCollector(src)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := c.Collect(context.Background())
			assert.NoError(t, err)
			if m != nil {
				assert.Len(t, m.Devices, 2)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, src.maxActive.Load(), "source must never be used by two collections at once")
	assert.EqualValues(t, 20, src.inits.Load())
}
