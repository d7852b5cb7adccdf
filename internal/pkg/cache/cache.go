package cache

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis compatible cache server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	})

	// Test the connection
	pong, err := client.Ping(context.Background()).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}
