// Command storage-init creates the tables and queues the service expects.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"oikion-live/storage"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

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
		envOr("ORGANIZATIONS_TABLE", "Organizations"),
		envOr("PROPERTIES_TABLE", "Properties"),
		envOr("CLIENTS_TABLE", "Clients"),
		envOr("ACTIVITIES_TABLE", "Activities"),
	}); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	if err := createQueues(ctx, connStr, []string{
		os.Getenv("DOMAIN_EVENTS_QUEUE"),
	}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	if org := os.Getenv("SEED_ORGANIZATION"); org != "" {
		store, err := storage.NewTableStore(connStr, storage.TableNames{Organizations: envOr("ORGANIZATIONS_TABLE", "Organizations")})
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		if err := store.AddOrganization(ctx, org, os.Getenv("SEED_ORGANIZATION_NAME")); err != nil {
			log.Fatalf("seed organization: %v", err)
		}
		log.WithField("org", org).Info("organization seeded")
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
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
			log.WithField("table", name).Debug("table already exists")
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
