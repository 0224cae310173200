package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewKey(t *testing.T) {
	now := time.Now().UTC()
	datePart := fmt.Sprintf("year=%d/month=%02d/day=%02d", now.Year(), now.Month(), now.Day())

	tests := []struct {
		name     string
		filename string
		wantExt  string
	}{
		{"jpeg extension", "site-photo.jpg", "jpg"},
		{"uppercase extension lowered", "SITE.PNG", "png"},
		{"no extension defaults to jpg", "snapshot", "jpg"},
		{"trailing dot defaults to jpg", "snapshot.", "jpg"},
		{"multiple dots keep last", "daily.backup.webp", "webp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := NewKey("site-a", "01ARZ3NDEKTSV4RRFFQ69G5FAV", tt.filename)
			want := fmt.Sprintf("site-a/%s/01ARZ3NDEKTSV4RRFFQ69G5FAV.%s", datePart, tt.wantExt)
			if key != want {
				t.Errorf("NewKey() = %q, want %q", key, want)
			}
		})
	}
}

func TestFSStore_PutGet(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	ctx := context.Background()

	key := NewKey("site-a", "img-1", "shot.jpg")
	data := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02}
	if err := store.Put(ctx, key, data, "image/jpeg"); err != nil {
		t.Fatalf("putting blob: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("getting blob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %x, want %x", got, data)
	}
}

func TestFSStore_PutOverwrites(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "site-a/k", []byte("old"), "image/jpeg"); err != nil {
		t.Fatalf("putting blob: %v", err)
	}
	if err := store.Put(ctx, "site-a/k", []byte("new"), "image/jpeg"); err != nil {
		t.Fatalf("overwriting blob: %v", err)
	}

	got, err := store.Get(ctx, "site-a/k")
	if err != nil {
		t.Fatalf("getting blob: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("got %q, want %q", got, "new")
	}
}

func TestFSStore_GetMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	_, err = store.Get(context.Background(), "site-a/no-such-key")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFSStore_NestedKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	ctx := context.Background()

	key := "site-a/year=2026/month=08/day=26/img.png"
	if !strings.Contains(key, "/") {
		t.Fatal("test key must be nested")
	}
	if err := store.Put(ctx, key, []byte("png-bytes"), "image/png"); err != nil {
		t.Fatalf("putting nested blob: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("getting nested blob: %v", err)
	}
	if string(got) != "png-bytes" {
		t.Errorf("got %q", got)
	}
}
