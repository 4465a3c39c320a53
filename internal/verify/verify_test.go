package verify

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func golden(size int) []byte {
	p := make([]byte, size)
	Fill(p)
	return p
}

func TestFillPattern(t *testing.T) {
	p := golden(1028)
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 0, 0, 0}, p[:8])
	assert.Equal(t, uint32(255), binary.LittleEndian.Uint32(p[255*4:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(p[256*4:]), "pattern wraps every 256 words")
}

func TestCheckGoldenPasses(t *testing.T) {
	for _, size := range []int{4, 64, 1024, 4096, 1 << 16} {
		r := Check(golden(size), DefaultMaxReport)
		assert.True(t, r.Passed(), "size %d", size)
		assert.Equal(t, size/WordSize, r.Words)
		assert.Empty(t, r.First)
	}
}

func TestSingleBitFlip(t *testing.T) {
	p := golden(1024)
	p[10] ^= 0x01

	r := Check(p, DefaultMaxReport)
	assert.False(t, r.Passed())
	assert.Equal(t, 1, r.Mismatches)
	require.Len(t, r.First, 1)
	assert.Equal(t, Mismatch{Index: 2, Expected: 2, Actual: 2 | 0x10000}, r.First[0])

	var out bytes.Buffer
	WriteVerdict(&out, r)
	assert.Contains(t, out.String(), "Data mismatch at offset 2: expected 2, got 65538")
	assert.Contains(t, out.String(), "FAILED - 1 errors out of 256 words")
}

func TestMismatchReportIsCapped(t *testing.T) {
	p := make([]byte, 1024)
	for i := range p {
		p[i] = 0xff
	}
	r := Check(p, DefaultMaxReport)
	assert.Equal(t, 256, r.Mismatches)
	require.Len(t, r.First, DefaultMaxReport)
	for i, m := range r.First {
		assert.Equal(t, i, m.Index)
	}
}

func TestVerdictPassed(t *testing.T) {
	var out bytes.Buffer
	WriteVerdict(&out, Check(golden(1024), DefaultMaxReport))
	assert.Equal(t, "✓ Data verification PASSED - All 256 words correct\n", out.String())
}

func TestMeasure(t *testing.T) {
	p := Measure(1024*1024, time.Millisecond)
	assert.InDelta(t, 1000.0, p.LatencyMicros(), 1e-9)
	assert.InDelta(t, 1000.0, p.MBps(), 1e-6)
	assert.InDelta(t, 8.388608, p.Gbps(), 1e-9)

	// A zero measurement still yields positive finite figures
	z := Measure(64, 0)
	assert.Greater(t, z.LatencyMicros(), 0.0)
	assert.False(t, math.IsInf(z.Gbps(), 0))
	assert.Greater(t, z.Gbps(), 0.0)
}

func TestTime(t *testing.T) {
	d, err := Time(func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
}

func TestWriteSummaryAndFirstWords(t *testing.T) {
	var out bytes.Buffer
	WriteSummary(&out, Measure(1024, 10*time.Microsecond), "host_mem")
	s := out.String()
	assert.Contains(t, s, "Payload Size:    1024 bytes")
	assert.Contains(t, s, "Latency:         10.00 microseconds")
	assert.Contains(t, s, "QP Location:     host_mem")

	out.Reset()
	WriteFirstWords(&out, golden(32), 16)
	assert.Equal(t, 8, strings.Count(out.String(), "] = "), "stops at the end of the buffer")
	assert.Contains(t, out.String(), "[7] = 7")
}
