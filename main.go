package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/federation"
	"github.com/lowfreq/tremolo/rss"
	"github.com/lowfreq/tremolo/util"
	"github.com/lowfreq/tremolo/web"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("starting %s on %s", util.GetNameAndVersion(), conf.Conf.SslDomain)

	database, err := db.Open(conf.Conf.DatabasePath)
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	chain := &federation.Chain{}
	chain.Register("instance_policies", federation.InstancePoliciesPolicy(database))
	if conf.Conf.AllowListEnabled {
		if err := federation.SeedAllowList(database, conf.Conf.AllowedDomains); err != nil {
			log.Fatal(err)
		}
		chain.Register("allow_list", federation.AllowListPolicy(database))
	}

	registry := federation.NewRegistry(database, conf, chain)
	if _, err := registry.EnsureServiceActor(); err != nil {
		log.Fatal(err)
	}

	inbox := federation.NewInboxRouter(database, conf, registry)
	outbox := federation.NewOutboxRouter(database, conf, registry)
	handlers := &federation.CoreHandlers{
		DB:       database,
		Conf:     conf,
		Registry: registry,
		Outbox:   outbox,
		Fetcher:  federation.NewFetcher(database, registry),
	}
	federation.RegisterCoreRoutes(inbox, outbox, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	federation.NewDeliveryWorker(database, conf, registry, outbox, inbox).Start(ctx)

	rssService := rss.NewService(database, conf, registry)
	rssService.StartRefreshScheduler(ctx)

	server := web.NewServer(database, conf, registry, inbox, rssService)
	go func() {
		if err := server.Run(); err != nil {
			log.Fatal(err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Info("shutting down")
}
