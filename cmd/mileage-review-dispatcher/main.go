package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	once := flag.Bool("once", false, "Dispatch a single batch and exit")
	batchSize := flag.Int("batch-size", 50, "Rows claimed per batch")
	poll := flag.Duration("poll", 500*time.Millisecond, "Poll interval between batches")
	maxAttempts := flag.Int("max-attempts", 20, "Publish attempts before a row is moved to DEAD")
	flag.Parse()

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	// PUBSUB_CREATE_TOPIC=true provisions the triage topic on first run (dev/emulator setups).
	if strings.EqualFold(strings.TrimSpace(os.Getenv("PUBSUB_CREATE_TOPIC")), "true") {
		client, err := config.GetClient(sigCtx)
		if err == nil {
			_, err = config.CreateTopicIfNotExists(sigCtx, client, config.PendingReviewTopic())
		}
		if err != nil {
			config.LogError(logger, "mileage-review-dispatcher", "main", "create topic", config.PendingReviewTopic(), err)
			os.Exit(1)
		}
	}

	d := workflow.NewReviewDispatcher(db, logger)
	if *batchSize > 0 {
		d.BatchSize = *batchSize
	}
	if *poll > 0 {
		d.PollInterval = *poll
	}
	if *maxAttempts > 0 {
		d.MaxAttempts = *maxAttempts
	}

	if *once {
		sent, err := d.DispatchOnce(sigCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dispatch failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sent=%d\n", sent)
		return
	}

	logger.WithFields(logrus.Fields{
		"field":         "mileage-review-dispatcher",
		"dispatcher_id": d.DispatcherID,
	}).Info("review dispatcher started")
	d.Run(sigCtx)
}
