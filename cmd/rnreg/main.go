package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/rnread/internal/app"
	"github.com/yuuki/rnread/internal/config"
	"github.com/yuuki/rnread/internal/regs"
	"gopkg.in/yaml.v3"
)

const version = "0.1.0"

func main() {
	flagSet := pflag.NewFlagSet("rnreg", pflag.ExitOnError)
	config.SetupRegFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(app.ExitConfig)
	}

	if v, _ := flagSet.GetBool("version"); v {
		fmt.Printf("rnreg v%s\n", version)
		os.Exit(app.ExitPass)
	}

	cfg, err := config.LoadRegConfig(flagSet)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flagSet.PrintDefaults()
		os.Exit(app.ExitConfig)
	}
	app.InitLogging(cfg.EffectiveLogLevel(), os.Stderr)

	// Listing the catalogue needs no hardware
	if cfg.Action == config.RegActionList && cfg.QPID == 0 {
		if err := writeCatalog(os.Stdout, cfg.Format); err != nil {
			log.Fatal().Err(err).Msg("Failed to list registers")
		}
		return
	}

	bar, err := regs.OpenBAR(cfg.PCIeResource, cfg.MapSize)
	if err != nil {
		log.Error().Err(err).Str("resource", cfg.PCIeResource).Msg("Failed to map PCIe BAR")
		os.Exit(app.ExitFailure)
	}
	defer bar.Close()

	if err := run(os.Stdout, bar, cfg); err != nil {
		log.Error().Err(err).Msg("Register access failed")
		bar.Close()
		os.Exit(app.ExitFailure)
	}
}

func writeCatalog(w io.Writer, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(regs.Catalog)
	}
	return regs.WriteCatalog(w)
}

func run(w io.Writer, s regs.Space, cfg *config.RegConfig) error {
	switch cfg.Action {
	case config.RegActionRead:
		addr, err := regs.ParseHex(cfg.Address)
		if err != nil {
			return err
		}
		_, err = regs.ReadReport(w, s, addr, cfg.Timed)
		return err
	case config.RegActionWrite:
		addr, err := regs.ParseHex(cfg.Address)
		if err != nil {
			return err
		}
		value, err := regs.ParseHex(cfg.Value)
		if err != nil {
			return err
		}
		_, err = regs.WriteReport(w, s, addr, value, cfg.Timed)
		return err
	case config.RegActionList:
		return regs.DumpQP(w, s, cfg.QPID)
	case config.RegActionTest:
		res, err := regs.SelfTest(w, s, cfg.Iterations)
		if err != nil {
			return err
		}
		if res.Mismatches > 0 {
			log.Warn().Int("mismatches", res.Mismatches).Int("writes", res.Writes).Msg("Some writes did not read back")
		}
		return nil
	default:
		return config.ErrRegAction
	}
}
