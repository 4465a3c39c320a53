// Package verify regenerates the golden data pattern, checks received
// buffers against it and reports READ performance.
package verify

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WordSize is the verification granularity in bytes
const WordSize = 4

// DefaultMaxReport is how many mismatches are listed individually
const DefaultMaxReport = 10

// Golden is the expected value of word i
func Golden(i int) uint32 {
	return uint32(i % 256)
}

// Fill writes the golden pattern into p as little-endian words. A trailing
// partial word is left untouched.
func Fill(p []byte) {
	for i := 0; i+WordSize <= len(p); i += WordSize {
		binary.LittleEndian.PutUint32(p[i:], Golden(i/WordSize))
	}
}

// Mismatch is one word that differs from the golden pattern
type Mismatch struct {
	Index    int
	Expected uint32
	Actual   uint32
}

// Report is the outcome of a verification
type Report struct {
	Words      int
	Mismatches int
	// First holds at most the requested number of mismatches, in index order
	First []Mismatch
}

// Passed reports whether every word matched
func (r Report) Passed() bool {
	return r.Mismatches == 0
}

// Check compares every whole word of p with the golden pattern
func Check(p []byte, maxReport int) Report {
	r := Report{Words: len(p) / WordSize}
	for i := 0; i < r.Words; i++ {
		got := binary.LittleEndian.Uint32(p[i*WordSize:])
		want := Golden(i)
		if got == want {
			continue
		}
		if len(r.First) < maxReport {
			r.First = append(r.First, Mismatch{Index: i, Expected: want, Actual: got})
		}
		r.Mismatches++
	}
	return r
}

// WriteVerdict prints the capped mismatch list followed by the verdict line
func WriteVerdict(w io.Writer, r Report) {
	for _, m := range r.First {
		fmt.Fprintf(w, "Data mismatch at offset %d: expected %d, got %d\n", m.Index, m.Expected, m.Actual)
	}
	if r.Passed() {
		fmt.Fprintf(w, "✓ Data verification PASSED - All %d words correct\n", r.Words)
		return
	}
	fmt.Fprintf(w, "✗ Data verification FAILED - %d errors out of %d words\n", r.Mismatches, r.Words)
}

// WriteFirstWords prints up to n leading words of p
func WriteFirstWords(w io.Writer, p []byte, n int) {
	fmt.Fprintf(w, "\nFirst %d received values:\n", n)
	for i := 0; i < n && (i+1)*WordSize <= len(p); i++ {
		fmt.Fprintf(w, "  [%d] = %d\n", i, binary.LittleEndian.Uint32(p[i*WordSize:]))
	}
}
