package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/rnread/internal/app"
	"github.com/yuuki/rnread/internal/config"
)

const version = "0.1.0"

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("rnread", pflag.ExitOnError)
	config.SetupReadFlags(flagSet)

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(app.ExitConfig)
	}

	// Handle version flag
	if v, _ := flagSet.GetBool("version"); v {
		fmt.Printf("rnread v%s\n", version)
		os.Exit(app.ExitPass)
	}

	// Handle create-config flag
	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(app.ExitFailure)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(app.ExitPass)
	}

	// Load configuration
	cfg, err := config.LoadReadConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(app.ExitConfig)
	}
	app.InitLogging(cfg.EffectiveLogLevel(), os.Stderr)

	ctx, stop := app.SignalContext(context.Background())
	r := &app.Runner{Config: cfg, Version: version, Out: os.Stdout}
	err = r.Run(ctx)
	stop()

	code := app.ExitCode(err)
	switch code {
	case app.ExitPass:
	case app.ExitMismatch:
		log.Error().Err(err).Msg("RDMA READ test failed")
	default:
		log.Error().Err(err).Int("exit_code", code).Msg("RDMA READ test aborted")
	}
	os.Exit(code)
}
