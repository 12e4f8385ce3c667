// Package storetest provides an in-memory Redis for package tests.
package storetest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/marketrank/internal/store"
)

// New starts a miniredis server bound to the test's lifetime.
func New(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewFromClient(client, time.Second), mr
}
