/**
 * @description
 * This file implements the bounded-retry machinery for failed webhook events:
 * the exponential backoff policy and the periodic sweep that re-feeds due
 * events into the dispatcher. The sweep claims events with a SKIP LOCKED
 * UPDATE in the store, so multiple service instances can run it concurrently
 * without double-dispatching.
 */

package app

import (
	"context"
	"log"
	"math"
	"time"
)

// RetryPolicy controls the backoff schedule for failed webhook events.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxRetries   int
}

// DefaultRetryPolicy mirrors the production defaults: 1s initial delay,
// doubling per attempt, capped at 30s, three attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		MaxRetries:   3,
	}
}

// Backoff returns the delay before the next attempt given the number of
// retries already performed.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryCount)))
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}

// RetrySweeper periodically re-dispatches failed webhook events that are due
// for another attempt.
type RetrySweeper struct {
	dispatcher *Dispatcher
	batchSize  int
}

// NewRetrySweeper creates a sweeper. batchSize bounds how many events one
// sweep claims.
func NewRetrySweeper(dispatcher *Dispatcher, batchSize int) *RetrySweeper {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &RetrySweeper{dispatcher: dispatcher, batchSize: batchSize}
}

// Sweep claims one batch of due events and runs a dispatch pass over each.
// The claim itself bumps retry_count; Process then records the outcome.
func (s *RetrySweeper) Sweep(ctx context.Context) {
	events, err := s.dispatcher.repo.ClaimWebhookEventsForRetry(ctx, s.batchSize, time.Now())
	if err != nil {
		log.Printf("Sweep: failed to claim events for retry: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	log.Printf("Sweep: retrying %d webhook event(s)", len(events))
	for i := range events {
		event := &events[i]
		result := s.dispatcher.Process(ctx, event)
		if !result.Success {
			log.Printf("Sweep: retry failed for event %s/%s (attempt %d/%d): %s",
				event.Provider, event.EventID, event.RetryCount, event.MaxRetries, result.Message)
		}
	}
}

// LedgerPurger applies the retention policy to terminal ledger rows.
type LedgerPurger struct {
	dispatcher *Dispatcher
	retention  time.Duration
}

// NewLedgerPurger creates a purger with the given retention window.
func NewLedgerPurger(dispatcher *Dispatcher, retention time.Duration) *LedgerPurger {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &LedgerPurger{dispatcher: dispatcher, retention: retention}
}

// Purge deletes completed and permanently-failed events older than the
// retention window.
func (p *LedgerPurger) Purge(ctx context.Context) {
	cutoff := time.Now().Add(-p.retention)
	deleted, err := p.dispatcher.repo.PurgeTerminalWebhookEvents(ctx, cutoff)
	if err != nil {
		log.Printf("Purge: failed to purge webhook events: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Purge: removed %d terminal webhook event(s) older than %s", deleted, cutoff.Format(time.RFC3339))
	}
}
