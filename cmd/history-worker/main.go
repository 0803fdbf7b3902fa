package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"billing-pipeline/fanout"
	"billing-pipeline/storage"
	"billing-pipeline/worker"
)

const defaultNotificationsChannel = "notifications"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	logger.SetLevel(log.GetLevel())
	logger.Info("history worker starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	historyTable := os.Getenv("HISTORY_TABLE")
	notificationsTable := os.Getenv("NOTIFICATIONS_TABLE")
	usersTable := os.Getenv("USERS_TABLE")
	eventsQueue := os.Getenv("EVENTS_QUEUE")
	deadLetterQueue := os.Getenv("DEAD_LETTER_QUEUE")
	if connStr == "" || historyTable == "" || notificationsTable == "" || usersTable == "" || eventsQueue == "" || deadLetterQueue == "" {
		log.Fatal("missing storage config")
	}

	store, err := storage.New(connStr, historyTable, notificationsTable, usersTable, eventsQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	queue, err := storage.NewEventQueue(connStr, eventsQueue)
	if err != nil {
		log.Fatalf("events queue: %v", err)
	}
	deadLetter, err := storage.NewEventQueue(connStr, deadLetterQueue)
	if err != nil {
		log.Fatalf("dead letter queue: %v", err)
	}

	rc := redisClientFromEnv()

	dedupTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupTTL = d
	}

	channel := os.Getenv("NOTIFICATIONS_CHANNEL")
	if channel == "" {
		channel = defaultNotificationsChannel
	}

	writer := worker.NewWriter(worker.WriterOptions{
		History:       store,
		Notifications: store,
		Users:         store,
		Deduper:       worker.NewRedisDeduper(rc, dedupTTL),
		Publisher:     fanout.NewPublisher(rc, channel),
		Logger:        logger,
	})

	workers := worker.DefaultWorkers
	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid WORKERS: %v", err)
		}
		workers = n
	}

	consumer := worker.NewConsumer(worker.ConsumerOptions{
		Queue:      queue,
		DeadLetter: deadLetter,
		Processor:  writer,
		Logger:     logger,
		Workers:    workers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer.Run(ctx)
	logger.Info("history worker stopped")
}

// redisClientFromEnv parses REDIS_CONNECTION_STRING, accepting both URL
// form and the Azure Cache comma separated form.
func redisClientFromEnv() *redis.Client {
	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return redis.NewClient(redisOpts)
}
