package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/FranksOps/partprice/internal/app"
	"github.com/FranksOps/partprice/internal/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "partprice",
		Short:         "Compare part prices across stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "config file (default ./partprice.yaml or /etc/partprice/partprice.yaml)")
	pf.String("catalog", "", "store catalog file")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: text or json")
	_ = c.v.BindPFlag("catalog", pf.Lookup("catalog"))
	_ = c.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(
		newServeCmd(c),
		newCompareCmd(c),
		newStoresCmd(c),
		newHistoryCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// app builds the full engine; the caller closes it.
func (c *cli) app(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return a, nil
}
