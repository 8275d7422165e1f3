package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"braincolab/internal/knowledge"
)

const seedUsage = `Usage:
  braincolab seed [--config <path>] [--reset]

Flags:
  --config string   Path to YAML configuration file (optional, defaults apply)
  --reset           Discard existing notes before seeding`

func seed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, seedUsage)
	}

	var cfgPath string
	var reset bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.BoolVar(&reset, "reset", false, "discard existing notes before seeding")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse seed flags: %w", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	store, err := knowledge.Open(cfg.Knowledge.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	inserted, err := knowledge.Seed(ctx, store, reset)
	if err != nil {
		return err
	}
	if inserted == 0 {
		slog.Info("knowledge base already populated, nothing to do", "path", cfg.Knowledge.Path)
		return nil
	}
	slog.Info("knowledge base seeded", "path", cfg.Knowledge.Path, "notes", inserted)
	return nil
}
