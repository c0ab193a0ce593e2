package ocispec

import (
	"context"
	"testing"
	"time"
)

func TestHookSetRunSucceeds(t *testing.T) {
	hs := HookSet{Phase: "prestart", Hooks: []Hook{{Path: "/bin/true", Timeout: time.Second}}}
	results, err := hs.Run(context.Background(), "c1", 1234)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %v", results)
	}
}

func TestHookSetRunStopsAtFirstFailure(t *testing.T) {
	hs := HookSet{
		Phase: "poststop",
		Hooks: []Hook{
			{Path: "/bin/false", Timeout: time.Second},
			{Path: "/bin/true", Timeout: time.Second},
		},
	}
	results, err := hs.Run(context.Background(), "c1", 1234)
	if err == nil {
		t.Fatal("expected an error from the failing hook")
	}
	if len(results) != 1 {
		t.Fatalf("expected Run to stop after the first hook, got %d results", len(results))
	}
}

func TestHookSetRunUsesDefaultTimeout(t *testing.T) {
	hs := HookSet{Phase: "poststart", Hooks: []Hook{{Path: "/bin/true"}}}
	results, err := hs.Run(context.Background(), "c1", 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Success {
		t.Fatalf("results = %v", results)
	}
}
