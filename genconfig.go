package main

import (
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"

	"github.com/xtaci/qftp/server"
)

// runGenConfigCommand writes the default server configuration.
func runGenConfigCommand(c *cli.Context) error {
	path := c.String("output")
	if path == "" {
		return exitWithExample("genconfig command requires --output", exampleGenConfig)
	}
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return exitWithExample(fmt.Sprintf("%s already exists, pass --force to overwrite", path), exampleGenConfig)
	}
	if err := server.SaveConfig(server.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}
