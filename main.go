package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/cache"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database := db.GetDB()

	account, err := bootstrapAccount(database)
	if err != nil {
		log.Fatalln(err)
	}

	sessions := cache.NewSessions(database, sessionSecret(), conf.Cache.SessionCapacity, 24*time.Hour)
	timelines := cache.NewTimelines(database, conf.Cache.TimelineCapacity, time.Hour)

	token, err := sessions.Issue(account)
	if err != nil {
		log.Fatalln(err)
	}
	log.Printf("Access token for %s: %s", account.Username, token)

	resolver := activitypub.NewResolver(database, conf)
	processor := activitypub.NewProcessor(database, conf, resolver)
	processor.SetTimelineInvalidator(timelines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if conf.Conf.WithAp {
		worker := activitypub.NewDeliveryWorker(database, conf)
		go worker.Run(ctx)
		go processor.Run(ctx)
	}

	server := web.NewServer(conf, database, processor, resolver, sessions, timelines)
	startServing(server, cancel)
}

func startServing(server *web.Server, cancel context.CancelFunc) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
	cancel()
	// Give in-flight deliveries a moment to settle
	time.Sleep(time.Second)
}

// bootstrapAccount loads the instance account, creating it with a fresh
// keypair on first start. The username comes from MAMMUT_USER.
func bootstrapAccount(database *db.DB) (*domain.Account, error) {
	username := os.Getenv("MAMMUT_USER")
	if username == "" {
		username = "admin"
	}
	username = util.NormalizeInput(username)

	if err, account := database.ReadAccByUsername(username); err == nil && account != nil {
		return account, nil
	}

	log.Printf("Creating account %s", username)
	locked := os.Getenv("MAMMUT_LOCKED") == "true"
	err, account := database.CreateAccount(username, locked, util.GeneratePemKeypair())
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// sessionSecret returns the token signing key from the environment, or a
// random one that only lives for this process.
func sessionSecret() []byte {
	if secret := os.Getenv("MAMMUT_SESSION_SECRET"); secret != "" {
		return []byte(secret)
	}
	log.Println("MAMMUT_SESSION_SECRET not set, sessions will not survive a restart")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatalln(err)
	}
	return secret
}
