package num

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

const queueSize = 64

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue() Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Description of the device
	String() string
}

// Initialise new CPU device
func NewDevice() Device {
	d := cpuDevice{
		brand:   cpuid.CPU.BrandName,
		threads: cpuid.CPU.LogicalCores,
		avx2:    cpuid.CPU.Supports(cpuid.AVX2),
	}
	if d.threads < 1 {
		d.threads = 1
	}
	klog.V(1).Infof("num: new device %s", d)
	return d
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Queue function calls which are run in order
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Number of worker goroutines used by ops which split over the batch, 0 for all logical cores
	SetThreads(n int)
	Threads() int
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function *function

type function struct {
	name string
	exec func(threads int)
}

func args(name string, exec func()) Function {
	return &function{name: name, exec: func(int) { exec() }}
}

// function which may split work over up to threads goroutines
func argsParallel(name string, exec func(threads int)) Function {
	return &function{name: name, exec: exec}
}

// Call fn for each index in [0, n) using a pool of worker goroutines.
// Each index must write to a separate region of the output.
func parallel(n, threads int, fn func(i int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	queue := make(chan int, threads)
	for thread := 0; thread < threads; thread++ {
		wg.Add(1)
		go func() {
			for i := range queue {
				fn(i)
			}
			wg.Done()
		}()
	}
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)
	wg.Wait()
}

// CPU device uses gonum blas routines
type cpuDevice struct {
	brand   string
	threads int
	avx2    bool
}

func (d cpuDevice) String() string {
	return fmt.Sprintf("cpu %q threads=%d avx2=%v", d.brand, d.threads, d.avx2)
}

type cpuQueue struct {
	cpuDevice
	buffer  [queueSize]Function
	queued  int
	workers int
	*profile
}

func (d cpuDevice) NewQueue() Queue {
	return &cpuQueue{
		cpuDevice: d,
		workers:   d.threads,
		profile:   newProfile(),
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) SetThreads(n int) {
	if n <= 0 {
		n = q.cpuDevice.threads
	}
	q.workers = n
}

func (q *cpuQueue) Threads() int { return q.workers }

func (q *cpuQueue) exec() {
	for _, f := range q.buffer[:q.queued] {
		if q.profile.enabled {
			start := time.Now()
			f.exec(q.workers)
			q.profile.add(f.name, time.Since(start))
		} else {
			f.exec(q.workers)
		}
	}
	q.queued = 0
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= queueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *cpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		fmt.Print(q.Profile())
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
	r.msec += elapsed.Seconds() * 1000
	p.prof[name] = r
}

func (p *profile) Profile() string {
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	s := []string{"== Profile =="}
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", r.name, r.calls, r.msec))
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", "TOTAL", totalCalls, totalMsec))
	return strings.Join(s, "\n") + "\n"
}
