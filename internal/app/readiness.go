package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BrokerPinger is the minimal interface for a Kafka client capable of Ping.
type BrokerPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db, redis, and broker readiness checks.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, broker BrokerPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	brokerCheck := func(ctx context.Context) error {
		if broker == nil {
			// The broker is advisory; absence is not a readiness failure.
			return nil
		}
		return broker.Ping(ctx)
	}
	return dbCheck, redisCheck, brokerCheck
}
