package regs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemReadWrite(t *testing.T) {
	m := NewMem(MapSize)

	require.NoError(t, m.Write32(SCRTemplateReg, 0x12345678))
	v, err := m.Read32(SCRTemplateReg)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v)

	_, err = m.Read32(SCRTemplateReg + 2)
	assert.ErrorIs(t, err, ErrUnaligned)

	_, err = m.Read32(MapSize)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, m.Write32(MapSize-2, 1), ErrUnaligned)

	empty := NewMem(0)
	_, err = empty.Read32(0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

// roSpace ignores writes to one offset, like a read-only hardware register
type roSpace struct {
	*Mem
	ro uint32
}

func (r roSpace) Write32(offset, value uint32) error {
	if offset == r.ro {
		return nil
	}
	return r.Mem.Write32(offset, value)
}

func TestWriteVerify(t *testing.T) {
	s := roSpace{Mem: NewMem(MapSize), ro: SCRVersion}
	require.NoError(t, s.Mem.Write32(SCRVersion, 0x00010002))

	res, err := WriteVerify(s, SCRTemplateReg, 0xdeadbeef)
	require.NoError(t, err)
	assert.True(t, res.Match())

	res, err = WriteVerify(s, SCRVersion, 0xffffffff)
	require.NoError(t, err)
	assert.False(t, res.Match())
	assert.Equal(t, uint32(0x00010002), res.ReadBack)
}

func TestFormatBinary(t *testing.T) {
	assert.Equal(t, "00000000 00000000 00000000 00000000", FormatBinary(0))
	assert.Equal(t, "10000000 00000000 00000001 11111111", FormatBinary(0x800001ff))
}

func TestQPReg(t *testing.T) {
	off, err := QPReg(1, QPSQPSN)
	require.NoError(t, err)
	assert.Equal(t, QPBase+QPSQPSN, off)

	off, err = QPReg(3, QPConf)
	require.NoError(t, err)
	assert.Equal(t, QPBase+2*QPStride, off)

	_, err = QPReg(0, QPConf)
	assert.Error(t, err)
	_, err = QPReg(MaxQPs+1, QPConf)
	assert.Error(t, err)

	last, err := QPReg(MaxQPs, QPStatReadOps)
	require.NoError(t, err)
	assert.Less(t, last, uint32(MapSize))
}

func TestCatalog(t *testing.T) {
	r, ok := Lookup("RN_SCR_VERSION")
	require.True(t, ok)
	assert.Equal(t, uint32(0x102000), r.Offset)
	assert.True(t, r.ReadOnly)

	_, ok = Lookup("NOPE")
	assert.False(t, ok)

	seen := map[uint32]string{}
	for _, reg := range Catalog {
		assert.Zero(t, reg.Offset%4, reg.Name)
		assert.Less(t, reg.Offset, uint32(MapSize), reg.Name)
		if prev, dup := seen[reg.Offset]; dup {
			t.Errorf("offset 0x%x shared by %s and %s", reg.Offset, prev, reg.Name)
		}
		seen[reg.Offset] = reg.Name
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCatalog(&buf))
	assert.Contains(t, buf.String(), "RN_RDMA_GCSR_IPV4XADD")
	assert.Contains(t, buf.String(), "0x00102200")
}

func TestDumpQP(t *testing.T) {
	m := NewMem(MapSize)
	off, err := QPReg(2, QPSQPSN)
	require.NoError(t, err)
	require.NoError(t, m.Write32(off, 0xabd))

	var buf bytes.Buffer
	require.NoError(t, DumpQP(&buf, m, 2))
	out := buf.String()
	assert.Contains(t, out, "QP2.SQPSN")
	assert.Contains(t, out, "0x00000ABD")
	assert.Equal(t, 1+5+len(qpDumpOrder), strings.Count(out, "\n"))
}

func TestOpenBARRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource2")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	bar, err := OpenBAR(path, 4096)
	require.NoError(t, err)
	defer bar.Close()

	assert.Equal(t, uint32(4096), bar.Size())
	require.NoError(t, bar.Write32(0x10, 0xcafef00d))
	v, err := bar.Read32(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafef00d), v)

	_, err = bar.Read32(4096)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, bar.Close())
	_, err = bar.Read32(0)
	assert.Error(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0d, 0xf0, 0xfe, 0xca}, raw[0x10:0x14], "MAP_SHARED write reaches the file")
}

func TestOpenBARMissing(t *testing.T) {
	_, err := OpenBAR(filepath.Join(t.TempDir(), "missing"), 4096)
	assert.Error(t, err)
}

func TestParseHex(t *testing.T) {
	for in, want := range map[string]uint32{
		"0x102000":   0x102000,
		"0X102200":   0x102200,
		"deadbeef":   0xdeadbeef,
		"0xFFFFFFFF": 0xffffffff,
	} {
		got, err := ParseHex(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "0x", "0x1g", "0x100000000"} {
		_, err := ParseHex(bad)
		assert.Error(t, err, bad)
	}
}

func TestReports(t *testing.T) {
	s := roSpace{Mem: NewMem(MapSize), ro: SCRVersion}
	require.NoError(t, s.Mem.Write32(SCRVersion, 0x00010203))

	var buf bytes.Buffer
	v, err := ReadReport(&buf, s, SCRVersion, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00010203), v)
	assert.Contains(t, buf.String(), "Value  : 0x00010203 (66051)")
	assert.Contains(t, buf.String(), "00000000 00000001 00000010 00000011")
	assert.NotContains(t, buf.String(), "Time")

	buf.Reset()
	res, err := WriteReport(&buf, s, SCRVersion, 0x1, true)
	require.NoError(t, err)
	assert.False(t, res.Match())
	assert.Contains(t, buf.String(), "WARNING")
	assert.Contains(t, buf.String(), "Write time")
}

func TestSelfTest(t *testing.T) {
	s := roSpace{Mem: NewMem(MapSize), ro: SCRVersion}
	var buf bytes.Buffer
	res, err := SelfTest(&buf, s, 100)
	require.NoError(t, err)
	assert.Equal(t, len(selfTestValues)+1, res.Writes)
	assert.Zero(t, res.Mismatches)
	assert.Equal(t, 100, res.Reads)
	assert.Contains(t, buf.String(), "100 reads took")

	// The template register ends holding the last pattern
	v, err := s.Read32(SCRTemplateReg)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), v)
}
