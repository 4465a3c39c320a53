package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/regs"
)

const (
	// MaxPayloadSize is the largest READ the tool issues
	MaxPayloadSize = 1 << 30
	// DefaultEnginePacketRate paces software engine READ responses, in packets per second
	DefaultEnginePacketRate = 250_000

	BackendSoft    = "soft"
	BackendReCoNIC = "reconic"

	RoleServer = "server"
	RoleClient = "client"
)

var (
	ErrRoleConflict = errors.New("both --server and --client given")
	ErrNoRole       = errors.New("one of --server or --client is required")
	ErrMissingIP    = errors.New("source and destination IPv4 addresses are required")
	ErrPayloadSize  = errors.New("payload size must be a positive multiple of 4 no larger than 1 GiB")
	ErrLocation     = errors.New("invalid QP location")
	ErrBackend      = errors.New("unknown RDMA backend")
	ErrQPID         = errors.New("QP identifier out of range")
	ErrPort         = errors.New("port must be non-zero")
)

// ReadConfig holds configuration for one side of a READ run
type ReadConfig struct {
	Server bool
	Client bool

	SrcIP       string
	DstIP       string
	TCPPort     uint16
	UDPPort     uint16
	PeerUDPPort uint16

	PayloadSize int
	QPID        uint32
	DstQPID     uint32
	QPLocation  string
	QPDepth     int

	Backend      string
	Device       string
	PCIeResource string
	Hugepages    int

	RKey    uint32
	PKey    uint32
	PSNSeed uint32

	ConnectAttempts int
	ConnectInterval time.Duration
	DoneTimeout     time.Duration
	PostTimeout     time.Duration
	WaitEnter       bool

	MaxMismatchReport int
	CoordTOS          int
	EngineTOS         int
	EnginePacketRate  int

	LogLevel string
	Verbose  bool
	Debug    bool

	InstanceID        string
	MetricsEnabled    bool
	OtelCollectorAddr string
	PushgatewayURL    string
}

// SetupReadFlags registers the rnread command line flags
func SetupReadFlags(flagSet *pflag.FlagSet) {
	flagSet.BoolP("server", "s", false, "Run as server (exposes the golden buffer)")
	flagSet.BoolP("client", "c", false, "Run as client (issues the READ and verifies)")
	flagSet.StringP("src-ip", "r", "", "Local IPv4 address")
	flagSet.StringP("dst-ip", "i", "", "Peer IPv4 address")
	flagSet.Uint16P("tcp-port", "t", 11111, "TCP port of the coordination channel")
	flagSet.Uint16P("udp-port", "u", 22222, "UDP port of the RDMA engine")
	flagSet.Uint16("peer-udp-port", 0, "UDP port of the peer's RDMA engine (defaults to --udp-port)")
	flagSet.IntP("payload-size", "z", 1024, "Payload size in bytes")
	flagSet.Uint32P("qp-id", "q", rdma.DefaultQPID, "Local QP identifier")
	flagSet.Uint32("dst-qp-id", 0, "Remote QP identifier (defaults to --qp-id)")
	flagSet.StringP("qp-location", "l", "host_mem", "QP and buffer location: host_mem or dev_mem")
	flagSet.Int("qp-depth", rdma.DefaultQPDepth, "QP depth")
	flagSet.StringP("backend", "b", BackendSoft, "RDMA backend: soft or reconic")
	flagSet.StringP("device", "d", "/dev/reconic-mm", "RecoNIC character device")
	flagSet.StringP("pcie-resource", "p", "/sys/bus/pci/devices/0005:01:00.0/resource2", "PCIe BAR resource file")
	flagSet.Int("hugepages", 0, "Preallocated huge pages handed to the RecoNIC library")
	flagSet.Uint32("r-key", rdma.DefaultRKey, "Remote access key shared by both ends")
	flagSet.Uint32("p-key", rdma.DefaultPKey, "Partition key shared by both ends")
	flagSet.Uint32("psn-seed", rdma.DefaultPSNSeed, "Receive PSN seed; the send PSN is seed+1")
	flagSet.Int("connect-attempts", 10, "Client connection attempts")
	flagSet.Duration("connect-interval", 500*time.Millisecond, "Delay between connection attempts")
	flagSet.Duration("done-timeout", 0, "Server wait for the client's completion message (0 waits forever)")
	flagSet.Duration("post-timeout", 0, "Client wait for READ completion (0 waits forever)")
	flagSet.Bool("wait-enter", false, "Server waits for Enter instead of the completion message")
	flagSet.Int("max-mismatch-report", 10, "Mismatches listed individually")
	flagSet.Int("coord-tos", 0, "IP TOS byte of the coordination channel")
	flagSet.Int("engine-tos", 0, "IP TOS byte of software engine packets")
	flagSet.Int("engine-packet-rate", DefaultEnginePacketRate, "Software engine response packets per second (0 sends unpaced)")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.BoolP("verbose", "v", false, "Verbose output")
	flagSet.BoolP("debug", "g", false, "Debug output including register dumps")
	flagSet.String("instance-id", "", "Instance identifier attached to metrics (defaults to hostname)")
	flagSet.Bool("metrics-enabled", false, "Export run metrics")
	flagSet.String("otel-collector-addr", "localhost:4317", "OTLP collector address (grpc://, grpcs://, http://, https://)")
	flagSet.String("pushgateway-url", "", "Prometheus Pushgateway URL")
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("version", false, "Print version and exit")
	flagSet.Bool("create-config", false, "Write a default configuration file and exit")
	flagSet.String("config-output", "./rnread.yaml", "Path of the generated configuration file")
}

// LoadReadConfig loads the configuration from flags, environment and an
// optional config file, in that order of precedence
func LoadReadConfig(flagSet *pflag.FlagSet) (*ReadConfig, error) {
	v := newViper("RNREAD", DefaultReadValues())

	names := make([]string, 0)
	flagSet.VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "version", "create-config", "config-output":
		default:
			names = append(names, f.Name)
		}
	})
	if err := bindFlags(v, flagSet, names...); err != nil {
		return nil, err
	}

	configPath, _ := flagSet.GetString("config")
	if err := readConfigFile(v, configPath, "rnread"); err != nil {
		return nil, err
	}

	cfg := &ReadConfig{
		Server:            v.GetBool("server"),
		Client:            v.GetBool("client"),
		SrcIP:             v.GetString("src_ip"),
		DstIP:             v.GetString("dst_ip"),
		TCPPort:           v.GetUint16("tcp_port"),
		UDPPort:           v.GetUint16("udp_port"),
		PeerUDPPort:       v.GetUint16("peer_udp_port"),
		PayloadSize:       v.GetInt("payload_size"),
		QPID:              v.GetUint32("qp_id"),
		DstQPID:           v.GetUint32("dst_qp_id"),
		QPLocation:        v.GetString("qp_location"),
		QPDepth:           v.GetInt("qp_depth"),
		Backend:           v.GetString("backend"),
		Device:            v.GetString("device"),
		PCIeResource:      v.GetString("pcie_resource"),
		Hugepages:         v.GetInt("hugepages"),
		RKey:              v.GetUint32("r_key"),
		PKey:              v.GetUint32("p_key"),
		PSNSeed:           v.GetUint32("psn_seed"),
		ConnectAttempts:   v.GetInt("connect_attempts"),
		ConnectInterval:   v.GetDuration("connect_interval"),
		DoneTimeout:       v.GetDuration("done_timeout"),
		PostTimeout:       v.GetDuration("post_timeout"),
		WaitEnter:         v.GetBool("wait_enter"),
		MaxMismatchReport: v.GetInt("max_mismatch_report"),
		CoordTOS:          v.GetInt("coord_tos"),
		EngineTOS:         v.GetInt("engine_tos"),
		EnginePacketRate:  v.GetInt("engine_packet_rate"),
		LogLevel:          v.GetString("log_level"),
		Verbose:           v.GetBool("verbose"),
		Debug:             v.GetBool("debug"),
		InstanceID:        v.GetString("instance_id"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
		PushgatewayURL:    v.GetString("pushgateway_url"),
	}
	cfg.applyDerivedDefaults()
	return cfg, nil
}

func (c *ReadConfig) applyDerivedDefaults() {
	if c.PeerUDPPort == 0 {
		c.PeerUDPPort = c.UDPPort
	}
	if c.DstQPID == 0 {
		c.DstQPID = c.QPID
	}
	if c.Debug {
		c.Verbose = true
	}
	if c.InstanceID == "" {
		c.InstanceID = defaultInstanceID()
	}
}

// Role returns "server" or "client"
func (c *ReadConfig) Role() string {
	if c.Server {
		return RoleServer
	}
	return RoleClient
}

// Location parses QPLocation
func (c *ReadConfig) Location() (rdma.Location, error) {
	return rdma.ParseLocation(c.QPLocation)
}

// EffectiveLogLevel folds --verbose and --debug into the log level
func (c *ReadConfig) EffectiveLogLevel() string {
	switch {
	case c.Debug:
		return "trace"
	case c.Verbose:
		return "debug"
	default:
		return c.LogLevel
	}
}

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingIP, s)
	}
	return ip.To4(), nil
}

// SourceIP returns the parsed local address
func (c *ReadConfig) SourceIP() (net.IP, error) {
	return parseIPv4(c.SrcIP)
}

// DestinationIP returns the parsed peer address
func (c *ReadConfig) DestinationIP() (net.IP, error) {
	return parseIPv4(c.DstIP)
}

// Validate checks the configuration before any resource is touched
func (c *ReadConfig) Validate() error {
	switch {
	case c.Server && c.Client:
		return ErrRoleConflict
	case !c.Server && !c.Client:
		return ErrNoRole
	}
	if _, err := c.SourceIP(); err != nil {
		return err
	}
	if _, err := c.DestinationIP(); err != nil {
		return err
	}
	if c.PayloadSize <= 0 || c.PayloadSize%4 != 0 || c.PayloadSize > MaxPayloadSize {
		return fmt.Errorf("%w: %d", ErrPayloadSize, c.PayloadSize)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: %q", ErrLocation, c.QPLocation)
	}
	switch c.Backend {
	case BackendSoft, BackendReCoNIC:
	default:
		return fmt.Errorf("%w: %q", ErrBackend, c.Backend)
	}
	for _, id := range []uint32{c.QPID, c.DstQPID} {
		if id == 0 || id > regs.MaxQPs {
			return fmt.Errorf("%w: %d (1..%d)", ErrQPID, id, regs.MaxQPs)
		}
	}
	if c.TCPPort == 0 || c.UDPPort == 0 || c.PeerUDPPort == 0 {
		return ErrPort
	}
	if c.QPDepth <= 0 {
		return fmt.Errorf("invalid QP depth %d", c.QPDepth)
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect attempts must be positive, got %d", c.ConnectAttempts)
	}
	if c.CoordTOS < 0 || c.CoordTOS > 0xff || c.EngineTOS < 0 || c.EngineTOS > 0xff {
		return fmt.Errorf("TOS must fit in one byte")
	}
	if c.EnginePacketRate < 0 {
		return fmt.Errorf("engine packet rate must not be negative, got %d", c.EnginePacketRate)
	}
	return nil
}

// DefaultReadValues returns the configuration keys with their default values
func DefaultReadValues() map[string]any {
	return map[string]any{
		"server":              false,
		"client":              false,
		"src_ip":              "",
		"dst_ip":              "",
		"tcp_port":            11111,
		"udp_port":            22222,
		"peer_udp_port":       0,
		"payload_size":        1024,
		"qp_id":               rdma.DefaultQPID,
		"dst_qp_id":           0,
		"qp_location":         "host_mem",
		"qp_depth":            rdma.DefaultQPDepth,
		"backend":             BackendSoft,
		"device":              "/dev/reconic-mm",
		"pcie_resource":       "/sys/bus/pci/devices/0005:01:00.0/resource2",
		"hugepages":           0,
		"r_key":               rdma.DefaultRKey,
		"p_key":               rdma.DefaultPKey,
		"psn_seed":            rdma.DefaultPSNSeed,
		"connect_attempts":    10,
		"connect_interval":    500 * time.Millisecond,
		"done_timeout":        time.Duration(0),
		"post_timeout":        time.Duration(0),
		"wait_enter":          false,
		"max_mismatch_report": 10,
		"coord_tos":           0,
		"engine_tos":          0,
		"engine_packet_rate":  DefaultEnginePacketRate,
		"log_level":           "info",
		"verbose":             false,
		"debug":               false,
		"instance_id":         "",
		"metrics_enabled":     false,
		"otel_collector_addr": "localhost:4317",
		"pushgateway_url":     "",
	}
}

// WriteDefaultConfig writes a configuration file holding every default
func WriteDefaultConfig(path string) error {
	values := DefaultReadValues()
	// Role and addresses are per-invocation
	for _, k := range []string{"server", "client"} {
		delete(values, k)
	}
	return writeYAML(path, "rnread configuration\nFlags and RNREAD_* environment variables override these values", values)
}
