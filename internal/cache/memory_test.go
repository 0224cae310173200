package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("setting: %v", err)
	}
	ok, got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if !ok || got != "v" {
		t.Errorf("got (%v, %q), want (true, %q)", ok, got, "v")
	}
}

func TestMemoryCache_Miss(t *testing.T) {
	c := NewMemoryCache()

	ok, got, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if ok || got != "" {
		t.Errorf("got (%v, %q), want (false, \"\")", ok, got)
	}
}

func TestMemoryCache_Overwrite(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "k", "old", 0)
	c.Set(ctx, "k", "new", 0)

	_, got, _ := c.Get(ctx, "k")
	if got != "new" {
		t.Errorf("got %q, want %q", got, "new")
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("setting: %v", err)
	}

	ok, _, _ := c.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)

	ok, _, _ = c.Get(ctx, "k")
	if ok {
		t.Error("expected miss after expiry")
	}
}

func TestMemoryCache_NegativeTTLIsNoop(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", -time.Second); err != nil {
		t.Fatalf("setting: %v", err)
	}
	ok, _, _ := c.Get(ctx, "k")
	if ok {
		t.Error("expected negative-TTL set to store nothing")
	}
}
