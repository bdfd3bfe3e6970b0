package main

import (
	"fmt"
	"log"
	"os"

	"github.com/awnumar/memguard"
	cli "github.com/urfave/cli/v2"

	"github.com/xtaci/qftp/compress"
	qcrypto "github.com/xtaci/qftp/crypto"
)

const (
	defaultPort = 5555

	exampleServer    = "qftp server --config /etc/qftp/qftp.yaml --root /srv/files"
	exampleClient    = "qftp client 127.0.0.1:5555"
	exampleCopy      = "qftp copy ./report.pdf qftp://203.0.113.10:5555/reports/report.pdf"
	exampleGenConfig = "qftp genconfig -o /etc/qftp/qftp.yaml"
)

// channelFlags select the primitives a client negotiates with; they must
// match the server's configuration.
func channelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "port", Aliases: []string{"P"}, Value: defaultPort, Usage: "remote port when not specified in the target"},
		&cli.StringFlag{Name: "suite", Aliases: []string{"s"}, Value: qcrypto.DefaultSuite().Name, Usage: "cipher suite, one of " + fmt.Sprint(qcrypto.SuiteNames())},
		&cli.StringFlag{Name: "compression", Aliases: []string{"z"}, Value: compress.DefaultCodecName, Usage: "payload codec, one of " + fmt.Sprint(compress.Names())},
		&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Usage: "per-request timeout (0 waits forever)"},
		&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "client log level"},
	}
}

// main dispatches between server, client and copy modes.
func main() {
	app := &cli.App{
		Name:  "qftp",
		Usage: "Encrypted file transfer over X25519 key exchange and AEAD framing (client by default)",
		Flags: channelFlags(),
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Run the qftp file server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the YAML configuration file"},
					&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "listen address, overrides listen_address"},
					&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Usage: "served directory, overrides root_directory"},
					&cli.IntFlag{Name: "max-connections", Aliases: []string{"m"}, Usage: "concurrent session limit, overrides max_connections"},
					&cli.StringFlag{Name: "metrics", Usage: "admin endpoint address, overrides metrics_address"},
					&cli.StringFlag{Name: "log-level", Usage: "overrides logging.level"},
				},
				Action: runServerCommand,
			},
			{
				Name:      "client",
				Usage:     "Open an interactive session",
				ArgsUsage: "host[:port]",
				Flags:     channelFlags(),
				Action:    runClientCommand,
			},
			{
				Name:      "copy",
				Usage:     "Copy a single file to or from a qftp server",
				ArgsUsage: "SOURCE DEST (one side as qftp://host[:port]/path)",
				Flags:     channelFlags(),
				Action:    runCopyCommand,
			},
			{
				Name:  "genconfig",
				Usage: "Write a configuration file populated with defaults",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "destination path", Required: true},
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing file"},
				},
				Action: runGenConfigCommand,
			},
		},
		Action: runClientCommand,
	}

	if err := app.Run(os.Args); err != nil {
		memguard.Purge()
		log.Fatal(err)
	}
	memguard.Purge()
}

// exitWithExample formats an error message with an example and exits.
func exitWithExample(message, example string) error {
	return cli.Exit(fmt.Sprintf("%s\nExample: %s", message, example), 1)
}
