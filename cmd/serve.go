package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"braincolab/internal/catalog"
	"braincolab/internal/config"
	"braincolab/internal/gateway"
	"braincolab/internal/knowledge"
	"braincolab/internal/server"
)

const serveUsage = `Usage:
  braincolab serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (optional, defaults apply)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	gw, err := gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.ReadTimeout(), nil)
	if err != nil {
		return err
	}

	notes, err := knowledge.Open(cfg.Knowledge.Path)
	if err != nil {
		return err
	}
	defer notes.Close()

	srv, err := server.New(cfg, buildCatalog(cfg), gw, notes)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadConfig reads the given file, or falls back to built-in defaults when
// no path is supplied.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildCatalog converts configured model entries into the pricing catalog,
// using the built-in list when the configuration names none.
func buildCatalog(cfg config.Config) *catalog.Catalog {
	if len(cfg.Models) == 0 {
		return catalog.Default()
	}
	models := make([]catalog.Model, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, catalog.Model{
			ID:          m.ID,
			Name:        m.Name,
			Provider:    m.Provider,
			InputPrice:  m.InputPrice,
			OutputPrice: m.OutputPrice,
		})
	}
	return catalog.New(models)
}
