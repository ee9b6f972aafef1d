package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrderAndCopies(t *testing.T) {
	registry := NewRegistry(nil, &stubJob{name: "a"})
	jobB := &stubJob{name: "b"}
	registry.Register(jobB)

	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryReplacesSameName(t *testing.T) {
	first := &stubJob{name: "sweep"}
	second := &stubJob{name: "sweep"}
	registry := NewRegistry(first, second)
	jobs := registry.Jobs()
	if len(jobs) != 1 || jobs[0] != second {
		t.Fatalf("expected the later job to replace the earlier one, got %v", registry.Names())
	}
}
