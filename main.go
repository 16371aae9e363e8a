package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pharosrelay/pharos/activitypub"
	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/util"
	"github.com/pharosrelay/pharos/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	log.Println("Opening database...")
	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()

	keys, err := activitypub.NewKeyManager(database, conf)
	if err != nil {
		log.Fatalln(err)
	}
	log.Printf("Relay identity: %s", keys.LocalRelay().ApID)

	dispatcher := activitypub.NewDispatcher(database, keys)
	dispatcher.Start()
	defer dispatcher.Stop()

	outbox := activitypub.NewOutbox(database, keys, dispatcher, conf)
	inbox := activitypub.NewInboxProcessor(database, keys, outbox, conf)
	beacon := activitypub.NewBeaconVerifier(database, outbox)

	server := web.NewServer(database, conf, keys, inbox, outbox, beacon)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Shutting down...")
}
