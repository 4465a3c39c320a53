package regs

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Statistics and configuration registers
const (
	SCRVersion     uint32 = 0x00102000
	SCRFatalErr    uint32 = 0x00102004
	SCRTRMHR       uint32 = 0x00102008
	SCRTRMLR       uint32 = 0x0010200C
	SCRTRRMHR      uint32 = 0x00102010
	SCRTRRMLR      uint32 = 0x00102014
	SCRTemplateReg uint32 = 0x00102200
)

// Compute logic registers
const (
	CLRCtlCmd              uint32 = 0x00103000
	CLRKerSts              uint32 = 0x00103004
	CLRJobSubmitted        uint32 = 0x00103008
	CLRJobCompletedNotRead uint32 = 0x0010300C
	CLRTemplate            uint32 = 0x00103010
)

// RDMA global control and status registers
const (
	GCSRBase       uint32 = 0x00060000
	GCSRXRNICConf  uint32 = GCSRBase + 0x0000
	GCSRMACAddrLSB uint32 = GCSRBase + 0x0010
	GCSRMACAddrMSB uint32 = GCSRBase + 0x0014
	GCSRIPv4Addr   uint32 = GCSRBase + 0x0070
	GCSRUDPPort    uint32 = GCSRBase + 0x0074
)

// QDMA AXI bridge registers
const (
	AXIBTranslateLSB uint32 = 0x00002420
	AXIBTranslateMSB uint32 = 0x00002424
	AXIBMapControl   uint32 = 0x00002430
)

// Per-QP register block. QP n (n >= 1) lives at QPBase + (n-1)*QPStride.
const (
	QPBase   uint32 = 0x00080200
	QPStride uint32 = 0x100

	QPConf        uint32 = 0x00
	QPRQBufBase   uint32 = 0x08
	QPSQBase      uint32 = 0x10
	QPCQBase      uint32 = 0x18
	QPDepth       uint32 = 0x30
	QPSQPI        uint32 = 0x38
	QPSQPSN       uint32 = 0x40
	QPLastRQPSN   uint32 = 0x48
	QPDestQPConf  uint32 = 0x50
	QPMACDesLSB   uint32 = 0x58
	QPMACDesMSB   uint32 = 0x5C
	QPIPDesAddr   uint32 = 0x60
	QPStatCurSQ   uint32 = 0x80
	QPStatRQPI    uint32 = 0x84
	QPStatReadOps uint32 = 0x88
)

// MaxQPs is the number of QP register blocks in the window
const MaxQPs = 256

// QPReg returns the absolute offset of register reg of QP qpID
func QPReg(qpID uint32, reg uint32) (uint32, error) {
	if qpID == 0 || qpID > MaxQPs {
		return 0, fmt.Errorf("QP %d outside register map (1..%d)", qpID, MaxQPs)
	}
	return QPBase + (qpID-1)*QPStride + reg, nil
}

// Register describes a predefined register
type Register struct {
	Group       string `yaml:"group"`
	Name        string `yaml:"name"`
	Offset      uint32 `yaml:"offset"`
	ReadOnly    bool   `yaml:"read_only"`
	Description string `yaml:"description"`
}

// Catalog lists the predefined registers in display order
var Catalog = []Register{
	{"SCR", "RN_SCR_VERSION", SCRVersion, true, "Version register"},
	{"SCR", "RN_SCR_FATAL_ERR", SCRFatalErr, true, "Fatal error register"},
	{"SCR", "RN_SCR_TRMHR_REG", SCRTRMHR, true, "TX rate meter high register"},
	{"SCR", "RN_SCR_TRMLR_REG", SCRTRMLR, true, "TX rate meter low register"},
	{"SCR", "RN_SCR_TRRMHR_REG", SCRTRRMHR, true, "TX/RX rate meter high register"},
	{"SCR", "RN_SCR_TRRMLR_REG", SCRTRRMLR, true, "TX/RX rate meter low register"},
	{"SCR", "RN_SCR_TEMPLATE_REG", SCRTemplateReg, false, "Template register"},
	{"CLR", "RN_CLR_CTL_CMD", CLRCtlCmd, false, "Control command register"},
	{"CLR", "RN_CLR_KER_STS", CLRKerSts, true, "Kernel status register"},
	{"CLR", "RN_CLR_JOB_SUBMITTED", CLRJobSubmitted, true, "Job submitted register"},
	{"CLR", "RN_CLR_JOB_COMPLETED_NOT_READ", CLRJobCompletedNotRead, true, "Job completed not read register"},
	{"CLR", "RN_CLR_TEMPLATE", CLRTemplate, false, "Template register"},
	{"GCSR", "RN_RDMA_GCSR_XRNICCONF", GCSRXRNICConf, false, "XRNIC configuration"},
	{"GCSR", "RN_RDMA_GCSR_MACXADDLSB", GCSRMACAddrLSB, false, "MAC address LSB"},
	{"GCSR", "RN_RDMA_GCSR_MACXADDMSB", GCSRMACAddrMSB, false, "MAC address MSB"},
	{"GCSR", "RN_RDMA_GCSR_IPV4XADD", GCSRIPv4Addr, false, "IPv4 address"},
	{"AXIB", "AXIB_BDF_ADDR_TRANSLATE_ADDR_LSB", AXIBTranslateLSB, false, "BDF address translate LSB"},
	{"AXIB", "AXIB_BDF_ADDR_TRANSLATE_ADDR_MSB", AXIBTranslateMSB, false, "BDF address translate MSB"},
	{"AXIB", "AXIB_BDF_MAP_CONTROL_ADDR", AXIBMapControl, false, "BDF map control"},
}

// Lookup finds a predefined register by name
func Lookup(name string) (Register, bool) {
	for _, r := range Catalog {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}

// WriteCatalog prints the predefined registers as a table
func WriteCatalog(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tNAME\tOFFSET\tACCESS\tDESCRIPTION")
	for _, r := range Catalog {
		access := "RW"
		if r.ReadOnly {
			access = "RO"
		}
		fmt.Fprintf(tw, "%s\t%s\t0x%08X\t%s\t%s\n", r.Group, r.Name, r.Offset, access, r.Description)
	}
	return tw.Flush()
}

var qpDumpOrder = []struct {
	name string
	reg  uint32
}{
	{"QPCONF", QPConf},
	{"RQBUFBASE", QPRQBufBase},
	{"SQBASE", QPSQBase},
	{"CQBASE", QPCQBase},
	{"DEPTH", QPDepth},
	{"SQPI", QPSQPI},
	{"SQPSN", QPSQPSN},
	{"LSTRQPSN", QPLastRQPSN},
	{"DESTQPCONF", QPDestQPConf},
	{"MACDESLSB", QPMACDesLSB},
	{"MACDESMSB", QPMACDesMSB},
	{"IPDESADDR", QPIPDesAddr},
	{"STATCURSQ", QPStatCurSQ},
	{"STATRQPI", QPStatRQPI},
	{"STATREADOPS", QPStatReadOps},
}

// DumpQP prints the global configuration and the register block of one QP
func DumpQP(w io.Writer, s Space, qpID uint32) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "REGISTER\tOFFSET\tVALUE\n")
	for _, g := range []struct {
		name string
		off  uint32
	}{
		{"XRNICCONF", GCSRXRNICConf},
		{"MACXADDLSB", GCSRMACAddrLSB},
		{"MACXADDMSB", GCSRMACAddrMSB},
		{"IPV4XADD", GCSRIPv4Addr},
		{"UDPPORT", GCSRUDPPort},
	} {
		v, err := s.Read32(g.off)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t0x%08X\t0x%08X\n", g.name, g.off, v)
	}
	for _, r := range qpDumpOrder {
		off, err := QPReg(qpID, r.reg)
		if err != nil {
			return err
		}
		v, err := s.Read32(off)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "QP%d.%s\t0x%08X\t0x%08X\n", qpID, r.name, off, v)
	}
	return tw.Flush()
}
