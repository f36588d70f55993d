package main

import (
	"testing"

	"github.com/hpcide/orchestrator/internal/config"
)

func TestNewServeCommandBindsEveryOption(t *testing.T) {
	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	cmd, err := newServeCommand(cfg)
	if err != nil {
		t.Fatalf("newServeCommand: %v", err)
	}
	for _, o := range config.ServeOptions {
		if cmd.Flags().Lookup(o.Flag) == nil {
			t.Errorf("expected a --%s flag to be registered", o.Flag)
		}
	}
}

func TestNewRootCmdRegistersServeSubcommand(t *testing.T) {
	root, err := newRootCmd()
	if err != nil {
		t.Fatalf("newRootCmd: %v", err)
	}
	sub, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if sub.Use != "serve" {
		t.Fatalf("unexpected subcommand: %q", sub.Use)
	}
}
