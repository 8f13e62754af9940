package num

import (
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/cpuid"
)

const queueSize = 256

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new DNN layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride int, bias bool) ParamLayer
	PoolLayer(inShape []int, size, stride int, global bool) Layer
	BatchNormLayer(inShape []int, decay, epsilon float64) BatchNormLayer
	// Name of the device, e.g. /cpu:0
	Name() string
	// Device which runs the kernels for the given op type
	Place(op string) string
	// Description of the hardware
	String() string
}

// Initialise new CPU or GPU device
func NewDevice(useGPU bool) (Device, error) {
	if useGPU {
		return newGPUDevice()
	}
	return NewCPUDevice(), nil
}

// Default number of worker threads is the number of physical cores.
func DefaultThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return 1
}

// Description of the host processor
func CPUInfo() string {
	return fmt.Sprintf("%s (%d cores, %d threads)", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	PrintProfile()
	// Number of worker goroutines used by the kernels
	Threads() int
}

type cpuDevice struct{}

// New device using pure Go kernels and gonum BLAS routines.
func NewCPUDevice() Device {
	return cpuDevice{}
}

func (d cpuDevice) Name() string { return "/cpu:0" }

func (d cpuDevice) Place(op string) string { return "/cpu:0" }

func (d cpuDevice) String() string { return CPUInfo() }

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	return newArrayCPU(dtype, dims)
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return newArrayCPU(a.Dtype(), a.Dims())
}

func (d cpuDevice) NewQueue(threads int) Queue {
	if threads < 1 {
		threads = DefaultThreads()
	}
	return &cpuQueue{
		Device:  d,
		threads: threads,
		buffer:  make([]Function, 0, queueSize),
		profile: newProfile(),
	}
}

// queue of pending function calls, executed in order on Finish or when the buffer is full
type cpuQueue struct {
	Device
	threads int
	buffer  []Function
	*profile
}

func (q *cpuQueue) Dev() Device { return q.Device }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) exec() {
	for _, f := range q.buffer {
		if q.profile.enabled {
			start := time.Now()
			f.call(q.threads)
			q.profile.add(f.desc, time.Since(start))
		} else {
			f.call(q.threads)
		}
	}
	q.buffer = q.buffer[:0]
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if arg.call == nil {
			continue
		}
		if len(q.buffer) >= queueSize {
			q.exec()
		}
		q.buffer = append(q.buffer, arg)
	}
	return q
}

func (q *cpuQueue) Finish() {
	if len(q.buffer) > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		q.PrintProfile()
	}
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
}

func (p *profile) PrintProfile() {
	fmt.Println("== Profile ==")
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		fmt.Printf("%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	fmt.Printf("%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
}
