package main

import (
	"context"
	"errors"
	"log"
	"time"

	"stridenotes/services/activitycache/internal/archive"
	"stridenotes/services/activitycache/internal/store"
)

func startMaintenanceLoops(
	ctx context.Context,
	db store.Store,
	payloadArchive archive.Store,
	evictInterval time.Duration,
	retentionDays int,
) {
	if evictInterval > 0 {
		go runEvictionLoop(ctx, db, payloadArchive, evictInterval, retentionDays)
	}
}

func runEvictionLoop(
	ctx context.Context,
	db store.Store,
	payloadArchive archive.Store,
	interval time.Duration,
	retentionDays int,
) {
	runEvictionCycle(ctx, db, payloadArchive, retentionDays)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runEvictionCycle(ctx, db, payloadArchive, retentionDays)
		}
	}
}

func runEvictionCycle(
	ctx context.Context,
	db store.Store,
	payloadArchive archive.Store,
	retentionDays int,
) {
	cycleCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	// Collect the ids whose archived payloads will be orphaned before the
	// rows disappear.
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	expiringIDs := make([]int64, 0)
	if all, err := db.GetAll(cycleCtx); err == nil {
		for _, activity := range all {
			if activity.CachedAt.Before(cutoff) {
				expiringIDs = append(expiringIDs, activity.ID)
			}
		}
	} else {
		log.Printf("eviction scan failed: %v", err)
	}

	deleted, err := db.DeleteOlderThan(cycleCtx, retentionDays)
	if err != nil {
		log.Printf("eviction failed: %v", err)
		return
	}

	archiveFailures := 0
	for _, id := range expiringIDs {
		err := payloadArchive.DeleteObject(cycleCtx, archive.ActivityKey(id))
		if err != nil && !errors.Is(err, archive.ErrNotConfigured) {
			archiveFailures++
			log.Printf("eviction failed deleting archived payload id=%d err=%v", id, err)
		}
	}

	log.Printf("eviction completed deleted=%d archiveFailures=%d retentionDays=%d",
		deleted, archiveFailures, retentionDays)
}
