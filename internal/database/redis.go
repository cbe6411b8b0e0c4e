package database

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nestbook/chat-backend/internal/config"
	"github.com/redis/go-redis/v9"
)

var Redis *redis.Client
var Ctx = context.Background()

func InitRedis() {
	Redis = redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.RedisAddr,
		Password: config.AppConfig.RedisPassword,
		DB:       0,
	})

	_, err := Redis.Ping(Ctx).Result()
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v. Presence signals and delta fanout will be degraded.", err)
	} else {
		log.Println("Connected to Redis successfully")
	}
}

// Caching helpers, used by the profile adapter so display lookups never
// block the message path on a cold database.
func CacheSet(key string, value interface{}, expiration time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(Ctx, key, b, expiration).Err()
}

func CacheGet(key string, dest interface{}) error {
	val, err := Redis.Get(Ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}
