package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/yuuki/rnread/internal/regs"
)

// Register tool actions
const (
	RegActionRead  = "read"
	RegActionWrite = "write"
	RegActionList  = "list"
	RegActionTest  = "test"
)

var ErrRegAction = errors.New("exactly one of --read, --write, --list or --test is required")

// RegConfig holds configuration for the register tool
type RegConfig struct {
	PCIeResource string
	MapSize      uint32
	Address      string
	Value        string
	Action       string
	Iterations   int
	Format       string
	QPID         uint32
	Timed        bool
	LogLevel     string
	Verbose      bool
	Debug        bool
}

// SetupRegFlags registers the rnreg command line flags
func SetupRegFlags(flagSet *pflag.FlagSet) {
	flagSet.StringP("pcie-resource", "p", "/sys/bus/pci/devices/0005:01:00.0/resource2", "PCIe BAR resource file")
	flagSet.Uint32("map-size", regs.MapSize, "Bytes of the BAR to map")
	flagSet.StringP("address", "a", "", "Register offset in hex")
	flagSet.StringP("value", "w", "", "Value to write in hex")
	flagSet.BoolP("read", "r", false, "Read the register at --address")
	flagSet.Bool("write", false, "Write --value to the register at --address")
	flagSet.BoolP("list", "l", false, "List known registers, or dump a QP with --qp-id")
	flagSet.BoolP("test", "T", false, "Run the register self test")
	flagSet.Int("iterations", 1000, "Reads in the self test timing loop")
	flagSet.Uint32P("qp-id", "q", 0, "QP whose registers --list dumps")
	flagSet.StringP("format", "f", "table", "Output format of --list: table or yaml")
	flagSet.BoolP("time", "m", false, "Report access time")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.BoolP("verbose", "v", false, "Verbose output")
	flagSet.BoolP("debug", "g", false, "Debug output")
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("version", false, "Print version and exit")
}

// LoadRegConfig loads the register tool configuration
func LoadRegConfig(flagSet *pflag.FlagSet) (*RegConfig, error) {
	v := newViper("RNREG", map[string]any{
		"pcie_resource": "/sys/bus/pci/devices/0005:01:00.0/resource2",
		"map_size":      regs.MapSize,
		"iterations":    1000,
		"format":        "table",
		"log_level":     "info",
	})

	if err := bindFlags(v, flagSet, "pcie-resource", "map-size", "address", "value", "read", "write",
		"list", "test", "iterations", "qp-id", "format", "time", "log-level", "verbose", "debug"); err != nil {
		return nil, err
	}

	configPath, _ := flagSet.GetString("config")
	if err := readConfigFile(v, configPath, "rnreg"); err != nil {
		return nil, err
	}

	cfg := &RegConfig{
		PCIeResource: v.GetString("pcie_resource"),
		MapSize:      v.GetUint32("map_size"),
		Address:      v.GetString("address"),
		Value:        v.GetString("value"),
		Iterations:   v.GetInt("iterations"),
		Format:       v.GetString("format"),
		QPID:         v.GetUint32("qp_id"),
		Timed:        v.GetBool("time"),
		LogLevel:     v.GetString("log_level"),
		Verbose:      v.GetBool("verbose"),
		Debug:        v.GetBool("debug"),
	}

	var actions []string
	for _, a := range []string{RegActionRead, RegActionWrite, RegActionList, RegActionTest} {
		if v.GetBool(a) {
			actions = append(actions, a)
		}
	}
	// A value without an explicit action means write
	if len(actions) == 0 && cfg.Value != "" {
		actions = append(actions, RegActionWrite)
	}
	if len(actions) != 1 {
		return nil, ErrRegAction
	}
	cfg.Action = actions[0]
	return cfg, nil
}

// Validate checks that the selected action has its operands
func (c *RegConfig) Validate() error {
	switch c.Action {
	case RegActionRead:
		if _, err := regs.ParseHex(c.Address); err != nil {
			return fmt.Errorf("--read needs --address: %w", err)
		}
	case RegActionWrite:
		if _, err := regs.ParseHex(c.Address); err != nil {
			return fmt.Errorf("--write needs --address: %w", err)
		}
		if _, err := regs.ParseHex(c.Value); err != nil {
			return fmt.Errorf("--write needs --value: %w", err)
		}
	case RegActionList:
		if c.Format != "table" && c.Format != "yaml" {
			return fmt.Errorf("unknown format %q", c.Format)
		}
		if c.QPID > regs.MaxQPs {
			return fmt.Errorf("%w: %d", ErrQPID, c.QPID)
		}
	case RegActionTest:
		if c.Iterations < 0 {
			return fmt.Errorf("iterations must not be negative")
		}
	default:
		return ErrRegAction
	}
	if c.MapSize == 0 || c.MapSize%4096 != 0 {
		return fmt.Errorf("map size must be a non-zero multiple of 4096, got %d", c.MapSize)
	}
	return nil
}

// EffectiveLogLevel folds --verbose and --debug into the log level
func (c *RegConfig) EffectiveLogLevel() string {
	if c.Debug || c.Verbose {
		return "debug"
	}
	return c.LogLevel
}
