package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/convsync/internal/daemon"
	"github.com/matheus3301/convsync/internal/paths"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.convsync/config.toml)")
	flag.Parse()

	profile := paths.ResolveProfile(*profileFlag)
	if err := paths.ValidateProfile(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile, ConfigPath: *configFlag}),
	)

	app.Run()
}
