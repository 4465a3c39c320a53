package verify

import (
	"fmt"
	"io"
	"time"
)

// Perf is the timing of one READ
type Perf struct {
	Bytes   int
	Elapsed time.Duration
}

// Measure builds a Perf. Elapsed is clamped to one nanosecond so that
// derived rates stay finite.
func Measure(size int, elapsed time.Duration) Perf {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	return Perf{Bytes: size, Elapsed: elapsed}
}

// Time runs fn and measures it on the monotonic clock
func Time(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}

func (p Perf) Seconds() float64 {
	return p.Elapsed.Seconds()
}

// LatencyMicros is the elapsed time in microseconds
func (p Perf) LatencyMicros() float64 {
	return float64(p.Elapsed.Nanoseconds()) / 1e3
}

// BytesPerSecond is the payload size over the elapsed time
func (p Perf) BytesPerSecond() float64 {
	return float64(p.Bytes) / p.Seconds()
}

// MBps is the bandwidth in MiB/s
func (p Perf) MBps() float64 {
	return p.BytesPerSecond() / (1024 * 1024)
}

// Gbps is the bandwidth in 10^9 bits per second
func (p Perf) Gbps() float64 {
	return p.BytesPerSecond() * 8 / 1e9
}

// WriteSummary prints the performance summary block
func WriteSummary(w io.Writer, p Perf, location string) {
	fmt.Fprintf(w, "\n=== Performance Summary ===\n")
	fmt.Fprintf(w, "Payload Size:    %d bytes\n", p.Bytes)
	fmt.Fprintf(w, "Latency:         %.2f microseconds\n", p.LatencyMicros())
	fmt.Fprintf(w, "Bandwidth:       %.2f MB/s\n", p.MBps())
	fmt.Fprintf(w, "Bandwidth:       %.2f Gb/s\n", p.Gbps())
	fmt.Fprintf(w, "QP Location:     %s\n", location)
	fmt.Fprintf(w, "==========================\n")
}
