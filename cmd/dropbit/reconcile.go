package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/dropbit/metrics"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/reconcile"
	"gitlab.com/arcanecrypto/dropbit/settlement"
)

// logEvents logs every settlement event, in place of a UI
var logEvents = settlement.NotifierFunc(func(event settlement.Event) {
	fields := logrus.Fields{"kind": event.Kind}
	if event.InvitationID != nil {
		fields["invitationId"] = *event.InvitationID
	}
	if event.Txid != "" {
		fields["txid"] = event.Txid
	}
	log.WithFields(fields).Info("Settlement event")
})

// serveMetrics serves collector at address until ctx is done
func serveMetrics(ctx context.Context, address string, collector *metrics.Collector) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	server := &http.Server{Addr: address, Handler: router}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdown)
	}()
	go func() {
		log.WithField("address", address).Info("Serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server stopped")
		}
	}()
}

var reconcileCommand = cli.Command{
	Name:  "reconcile",
	Usage: "merges the server's view of invitations and transactions into the local database",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "once",
			Usage: "run a single pass and exit",
		},
		cli.StringFlag{
			Name:  "schedule",
			Usage: "cron spec for passes, e.g. \"@every 1m\"",
		},
		cli.StringFlag{
			Name:  "server",
			Usage: "base URL of the server",
		},
		cli.StringFlag{
			Name:  "sender",
			Usage: "the wallet's own phone number",
		},
		cli.StringFlag{
			Name:  "metrics.address",
			Usage: "address to serve metrics at, e.g. :9100",
		},
	},
	Action: func(c *cli.Context) (err error) {
		if c.IsSet("server") {
			config.Server.BaseURL = c.String("server")
		}
		if c.IsSet("schedule") {
			config.Reconcile.Schedule = c.String("schedule")
		}
		if c.IsSet("sender") {
			config.Sender = c.String("sender")
		}
		if c.IsSet("metrics.address") {
			config.Metrics.Address = c.String("metrics.address")
		}

		client, err := network.NewHTTPClient(config.Server)
		if err != nil {
			return errors.Wrap(err, "invalid server configuration")
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

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		collector := metrics.NewCollector("dropbit")
		coordinator := settlement.NewCoordinator(database, nil, client, logEvents, nil, settlement.Config{
			Network:        chainParams,
			NetworkTimeout: config.Server.Timeout,
			Sender:         network.Identity{Type: network.IdentityPhone, Identity: config.Sender},
			Metrics:        collector,
		})
		worker := reconcile.NewWorker(database, client, coordinator, logEvents, reconcile.Config{
			Schedule:    config.Reconcile.Schedule,
			GracePeriod: config.Reconcile.GracePeriod,
			StaleAfter:  config.Reconcile.StaleAfter,
			Metrics:     collector,
		})

		if c.Bool("once") {
			_, err := worker.RunOnce(ctx)
			return err
		}

		if config.Metrics.Address != "" {
			serveMetrics(ctx, config.Metrics.Address, collector)
		}
		if err := worker.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		log.Info("Shutting down")
		worker.Stop()
		return nil
	},
}
