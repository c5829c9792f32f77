package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func newCLI() *cli.App {
	return &cli.App{
		Name:  "crmsync",
		Usage: "sync CRM contacts and deals into daily aggregate snapshots",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the yaml config file", EnvVars: []string{"CONFIG_PATH"}},
		},
		Commands: []*cli.Command{
			syncCommand(),
			serveCommand(),
		},
	}
}

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "crmsync:", err)
		os.Exit(1)
	}
}
