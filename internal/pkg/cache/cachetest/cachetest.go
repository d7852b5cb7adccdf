// Package cachetest locates a Redis endpoint for integration tests and skips
// the test when none is reachable.
package cachetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

const isolatedTestRedisDB = 14

// Client returns a client on an isolated, flushed database.
func Client(t *testing.T) *redis.Client {
	t.Helper()

	hosts := unique(env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1")
	ports := unique(env.GetEnv("CACHE_PORT", "6379"), "6379")
	passwords := append(unique(env.GetEnv("CACHE_PASSWORD", "")), "")

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			for _, password := range passwords {
				client := redis.NewClient(&redis.Options{
					Addr:     fmt.Sprintf("%s:%s", host, port),
					Password: password,
					DB:       isolatedTestRedisDB,
				})
				ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
				err := client.Ping(ctx).Err()
				if err == nil {
					err = client.FlushDB(ctx).Err()
				}
				cancel()
				if err == nil {
					t.Cleanup(func() {
						_ = client.FlushDB(context.Background()).Err()
						_ = client.Close()
					})
					return client
				}
				_ = client.Close()
				lastErr = err
			}
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}

func unique(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
