package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestOpenRedis(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("OpenRedis failed: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestOpenRedisBadURL(t *testing.T) {
	if _, err := OpenRedis(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
