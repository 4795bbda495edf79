package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/locus-chat/locus/internal/config"
	"github.com/locus-chat/locus/internal/daemon"
	"github.com/locus-chat/locus/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot read %s: %v\n", session.ConfigPath(), err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName}, cfg),
	)

	app.Run()
}
