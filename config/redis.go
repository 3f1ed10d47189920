package config

import (
	"os"
	"strconv"
	"sync"
)

var (
	redisOnce   sync.Once
	redisConfig *RedisConfig
)

type RedisConfig struct {
	Addr string
	DB   int
}

func GetRedisConfig() *RedisConfig {
	redisOnce.Do(func() {
		loadEnvFile()

		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))

		redisConfig = &RedisConfig{
			Addr: addr,
			DB:   db,
		}
	})
	return redisConfig
}
