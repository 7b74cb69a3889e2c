package main

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/dropbit/async"
	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/dummy"
)

// migrationsDir is where new migrations are created, relative to the
// repository root
const migrationsDir = "db/migrations"

const (
	dbAwaitAttempts = 5
	dbAwaitDuration = time.Second
)

// openDatabase opens the configured database, waiting for it to answer
func openDatabase() (*db.DB, error) {
	database, err := db.Open(config.Database)
	if err != nil {
		return nil, err
	}
	if err := async.Await(dbAwaitAttempts, dbAwaitDuration, func() bool {
		return database.Ping() == nil
	}, "couldn't reach the database"); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

var dbCommand = cli.Command{
	Name:  "db",
	Usage: "Database related commands",
	Subcommands: []cli.Command{
		{
			Name:    "up",
			Aliases: []string{"mu"},
			Usage:   "migrates the database up",
			Action: func(c *cli.Context) (err error) {
				database, err := openDatabase()
				if err != nil {
					return err
				}
				defer func() {
					if closeErr := database.Close(); err == nil {
						err = closeErr
					}
				}()
				return database.MigrateUp()
			},
		},
		{
			Name:    "down",
			Aliases: []string{"md"},
			Usage:   "down x, migrates the database down x number of steps",
			Action: func(c *cli.Context) (err error) {
				if c.NArg() != 1 {
					return cli.NewExitError(
						"You need to specify a number of steps to migrate down", 22)
				}
				steps, err := strconv.Atoi(c.Args().First())
				if err != nil {
					return errors.Wrap(err, "steps must be a number")
				}
				database, err := openDatabase()
				if err != nil {
					return err
				}
				defer func() {
					if closeErr := database.Close(); err == nil {
						err = closeErr
					}
				}()
				return database.MigrateDown(steps)
			},
		},
		{
			Name:    "status",
			Aliases: []string{"s"},
			Usage:   "check migrations status and version number",
			Action: func(c *cli.Context) (err error) {
				database, err := openDatabase()
				if err != nil {
					return err
				}
				defer func() {
					if closeErr := database.Close(); err == nil {
						err = closeErr
					}
				}()
				status, err := database.MigrationStatus()
				if err != nil {
					return err
				}
				fmt.Printf("Migration version: %d. Is dirty: %t\n", status.Version, status.Dirty)
				return nil
			},
		},
		{
			Name:      "newmigration",
			Aliases:   []string{"nm"},
			Usage:     "creates new, empty migration files for every driver",
			ArgsUsage: "NAME",
			Action: func(c *cli.Context) error {
				migrationText := c.Args().First()
				if migrationText == "" {
					return errors.New("you must provide a file name for the migration")
				}
				for _, driver := range []string{db.DriverSQLite, db.DriverPostgres} {
					created, err := db.CreateMigration(path.Join(migrationsDir, driver), migrationText)
					if err != nil {
						return err
					}
					for _, file := range created {
						log.WithField("file", file).Info("Created migration")
					}
				}
				return nil
			},
		},
		{
			Name:    "drop",
			Aliases: []string{"dr"},
			Usage:   "drops the entire database.",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "force",
					Usage: "Don't ask for confirmation before dropping the DB",
				},
			},
			Action: func(c *cli.Context) (err error) {
				if !c.Bool("force") {
					fmt.Println("Are you sure you want to drop the entire database? y/n")
					if !askForConfirmation() {
						log.Debug("Not dropping DB")
						return nil
					}
				}
				database, err := openDatabase()
				if err != nil {
					return err
				}
				defer func() {
					if closeErr := database.Close(); err == nil {
						err = closeErr
					}
				}()
				if err := database.Drop(); err != nil {
					log.WithError(err).Error("Could not drop DB")
					return err
				}
				log.Info("Dropped DB")
				return nil
			},
		},
		{
			Name:    "dummy",
			Aliases: []string{"dd"},
			Usage:   "fills the database with dummy invitations and transactions",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "force",
					Usage: "Don't ask for confirmation before populating the DB",
				},
				cli.BoolFlag{
					Name:  "only-once",
					Usage: "Only fill with dummy data if DB is empty",
				},
			},
			Action: func(c *cli.Context) (err error) {
				if chainParams.Name == "mainnet" {
					return errors.New("refusing to fill a mainnet database with dummy data")
				}
				if !c.Bool("force") {
					fmt.Println("Are you sure you want to fill dummy data? y/n")
					if !askForConfirmation() {
						log.Info("Not populating DB with dummy data")
						return nil
					}
				}
				database, err := openDatabase()
				if err != nil {
					return err
				}
				defer func() {
					if closeErr := database.Close(); err == nil {
						err = closeErr
					}
				}()
				return dummy.FillWithData(context.Background(), database, chainParams, c.Bool("only-once"))
			},
		},
	},
}

func containsString(slice []string, element string) bool {
	for _, elem := range slice {
		if elem == element {
			return true
		}
	}
	return false
}

func askForConfirmation() bool {
	var response string
	if _, err := fmt.Scan(&response); err != nil {
		log.Fatal(err)
	}
	okayResponses := []string{"y", "Y", "yes", "Yes", "YES"}
	nokayResponses := []string{"n", "N", "no", "No", "NO"}
	switch {
	case containsString(okayResponses, response):
		return true
	case containsString(nokayResponses, response):
		return false
	default:
		fmt.Println("Please type yes or no and then press enter:")
		return askForConfirmation()
	}
}
