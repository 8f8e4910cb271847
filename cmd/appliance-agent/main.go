// Command appliance-agent is the on-site compliance agent: it scans
// monitored machines for configuration drift, heals what it safely can,
// seals signed evidence of everything it saw and did, and syncs with
// Central Command.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/daemon"
	"github.com/osiriscare/appliance-agent/internal/evidence"
	"github.com/osiriscare/appliance-agent/internal/logging"
)

// version is stamped by the build.
var version = "dev"

const (
	exitOK     = 0
	exitConfig = 1
	exitKey    = 2
	exitUsage  = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("appliance-agent", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/msp/config.yaml", "path to the agent config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if *showVersion {
		fmt.Println(version)
		return exitOK
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" && !flagSet(fs, "config") {
		*configPath = v
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	log := logging.New(os.Stdout, cfg.LogLevel, cfg.SiteID, cfg.HostID)
	log.Info().Str("version", version).Str("config", *configPath).Msg("appliance agent starting")

	signer, err := evidence.LoadOrCreateSigner(cfg.SigningKeyPath)
	if err != nil {
		log.Error().Err(err).Msg("signing key unusable")
		return exitKey
	}

	d, err := daemon.New(log, cfg, signer, version)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent exited with error")
		return exitConfig
	}
	return exitOK
}

func flagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
