package main

import (
	"os"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/dropbit/build"
)

var (
	log = build.AddSubLogger("MAIN")

	// config is read before any command runs
	config Config
	// chainParams is the network named by the config
	chainParams *chaincfg.Params
)

func main() {
	app := cli.NewApp()
	app.Name = "dropbit"
	app.Usage = "Settles wallet payments and invitations, and keeps them in sync with the server"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have configuration and log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		var err error
		if config, err = loadConfig(c); err != nil {
			return err
		}

		level, err := applyLogLevels(config.Logging.Level)
		if err != nil {
			return err
		}
		if config.Logging.Directory != "" {
			if err := build.SetLogDir(config.Logging.Directory); err != nil {
				return err
			}
		}

		if chainParams, err = networkParams(config.Network); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"network": chainParams.Name,
			"level":   level,
		}).Debug("Loaded configuration")
		return nil
	}
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to a YAML config file",
		},
		cli.StringFlag{
			Name:  "network",
			Usage: "the network the wallet is on {mainnet, testnet, regtest}",
		},
		cli.StringFlag{
			Name:  "logging.level",
			Value: logrus.InfoLevel.String(),
			Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal}, " +
				"optionally followed by per subsystem levels, e.g. info,RECN=debug",
		},
		cli.StringFlag{
			Name:  "logging.directory",
			Usage: "directory to write log files to",
		},
		cli.StringFlag{
			Name:  "db.driver",
			Usage: "database driver {sqlite, postgres}",
		},
		cli.StringFlag{
			Name:  "db.path",
			Usage: "sqlite database file",
		},
		cli.StringFlag{
			Name:  "db.host",
			Usage: "postgres host",
		},
		cli.IntFlag{
			Name:  "db.port",
			Usage: "postgres port",
		},
		cli.StringFlag{
			Name:  "db.user",
			Usage: "postgres user",
		},
		cli.StringFlag{
			Name:  "db.password",
			Usage: "postgres password",
		},
		cli.StringFlag{
			Name:  "db.name",
			Usage: "postgres database name",
		},
	}

	app.Commands = []cli.Command{
		dbCommand,
		reconcileCommand,
	}

	sort.Sort(cli.CommandsByName(app.Commands))
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
