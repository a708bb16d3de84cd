package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/ostatus"
	"github.com/graylingsocial/grayling/util"
	"github.com/graylingsocial/grayling/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	keypair, err := util.LoadOrCreateKeypair()
	if err != nil {
		log.Fatalln(err)
	}

	signingKey, err := ostatus.ParsePrivateKey([]byte(keypair.Private))
	if err != nil {
		log.Fatalln(err)
	}

	log.Println("Running database migrations...")
	database := db.GetDB()
	log.Println("Database migrations complete")

	fetchTimeout := time.Duration(conf.Conf.FetchTimeoutSec) * time.Second
	notifier := ostatus.NewNotifier(conf, ostatus.NewSalmonClient(signingKey, fetchTimeout))
	resolver := ostatus.NewResolver(database, conf)
	subscriber := ostatus.NewSubscriber(database, conf, notifier)
	processor := ostatus.NewProcessor(database, conf, resolver, subscriber)

	services := &web.Services{
		Resolver:   resolver,
		Subscriber: subscriber,
		Processor:  processor,
		MagicKey:   ostatus.FormatMagicKey(&signingKey.PublicKey),
	}

	startServing(conf, services)
}

func startServing(conf *util.AppConfig, services *web.Services) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(conf, services); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
}
