package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"github.com/web3tea/activity-sentinel/config"
	"github.com/web3tea/activity-sentinel/pkg/log"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to a .toml or .json config file",
	Value:   "sentinel.toml",
}

func main() {
	cmd := &cli.Command{
		Name:  "activity-sentinel",
		Usage: "Turns database changes into ordered activities and streams them to a consumer",
		Commands: []*cli.Command{
			runCmd,
			slotsCmd,
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadFromFile(c.String("config"))
	if err != nil {
		return nil, err
	}
	if sinkType := c.String("sink"); sinkType != "" {
		cfg.Sink = sinkType
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", c.String("config"), err)
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}
