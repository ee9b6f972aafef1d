package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/streamclub/allocator/pkg/logger"
)

func TestOutboxRetentionJobUsesConfiguredWindow(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:        logger.Nop(),
		DB:            passthroughTx{},
		Repository:    repo,
		RetentionDays: 3,
		MinAttempts:   7,
		Now:           func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC); !repo.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, repo.lastCutoff)
	}
	if repo.minAttempts != 7 {
		t.Fatalf("expected min attempts 7, got %d", repo.minAttempts)
	}
}

func TestOutboxRetentionJobDefaults(t *testing.T) {
	now := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Nop(),
		DB:         passthroughTx{},
		Repository: repo,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.AddDate(0, 0, -defaultOutboxRetentionDays); !repo.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, repo.lastCutoff)
	}
	if repo.minAttempts != defaultOutboxMinAttempts {
		t.Fatalf("expected default min attempts, got %d", repo.minAttempts)
	}
}

func TestOutboxRetentionJobPropagatesError(t *testing.T) {
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Nop(),
		DB:         passthroughTx{},
		Repository: &fakeOutboxRetentionRepo{err: errors.New("boom")},
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type fakeOutboxRetentionRepo struct {
	lastCutoff  time.Time
	minAttempts int
	err         error
}

func (f *fakeOutboxRetentionRepo) DeletePublishedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error) {
	f.lastCutoff = cutoff
	f.minAttempts = minAttemptCount
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}
