package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"billing-pipeline/domain"
	"billing-pipeline/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()

	if err := createTables(ctx, connStr, []string{
		os.Getenv("HISTORY_TABLE"),
		os.Getenv("NOTIFICATIONS_TABLE"),
		os.Getenv("USERS_TABLE"),
	}); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	if err := createQueues(ctx, connStr, []string{
		os.Getenv("EVENTS_QUEUE"),
		os.Getenv("DEAD_LETTER_QUEUE"),
	}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	if err := seedUsers(ctx, connStr); err != nil {
		log.Fatalf("seed users: %v", err)
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		c := svc.NewClient(name)
		_, err := c.CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
	}
	return nil
}

// seedUsers loads directory entries from the file named by USERS_SEED_FILE,
// a JSON array of {"id": ..., "username": ...} objects.
func seedUsers(ctx context.Context, connStr string) error {
	path := os.Getenv("USERS_SEED_FILE")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var users []domain.User
	if err := json.Unmarshal(data, &users); err != nil {
		return err
	}

	store, err := storage.NewUserDirectory(connStr, os.Getenv("USERS_TABLE"))
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.ID == "" || u.Username == "" {
			continue
		}
		if err := store.UpsertUser(ctx, u); err != nil {
			return err
		}
		log.WithField("user", u.Username).Debug("seeded directory entry")
	}
	return nil
}
