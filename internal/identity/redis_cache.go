package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-fulfillment/internal/logger"
)

// InitializeCache sets up the Redis client backing the identity caches and
// verifies the connection before anything depends on it.
func InitializeCache(redisAddr string, log *logger.Logger) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: "",
		DB:       0,
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Error("IDENTITY", fmt.Sprintf("Failed to connect to Redis at %s: %v", redisAddr, err))
		return nil, err
	}

	testKey := m2mTokenKey + ":test"
	if err := redisClient.Set(ctx, testKey, "test", 5*time.Second).Err(); err != nil {
		log.Error("IDENTITY", fmt.Sprintf("Failed to write test value to Redis: %v", err))
		return nil, err
	}

	log.Info("IDENTITY", fmt.Sprintf("Redis identity cache ready at %s", redisAddr))
	return redisClient, nil
}
