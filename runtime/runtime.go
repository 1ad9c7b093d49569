package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nyaruka/gocommon/aws/s3x"
)

// Runtime bundles the shared resources passed to every component.
type Runtime struct {
	Config *Config
	DB     *sqlx.DB
	RP     *redis.Pool
	S3     *s3x.Service
}

// NewRuntime creates the database, redis and S3 pools described by the
// passed in config. Connections are not tested here, see Start.
func NewRuntime(cfg *Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	var err error

	rt.DB, err = sqlx.Open("postgres", cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("error creating Postgres connection pool: %w", err)
	}
	rt.DB.SetMaxIdleConns(4)
	rt.DB.SetMaxOpenConns(16)

	rt.RP, err = newRedisPool(cfg.Redis, cfg.MaxWorkers+8)
	if err != nil {
		return nil, fmt.Errorf("error creating Redis connection pool: %w", err)
	}

	if cfg.S3MediaBucket != "" {
		rt.S3, err = s3x.NewService(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSRegion, cfg.S3Endpoint, cfg.S3Minio)
		if err != nil {
			return nil, fmt.Errorf("error creating S3 service: %w", err)
		}
	}

	return rt, nil
}

// Start checks that our database, redis and S3 bucket are reachable, logging
// the state of each.
func (rt *Runtime) Start(ctx context.Context) error {
	log := slog.With("comp", "runtime")

	if err := rt.DB.PingContext(ctx); err != nil {
		log.Error("db not reachable", "error", err)
		return fmt.Errorf("error pinging database: %w", err)
	}
	log.Info("db ok")

	rc := rt.RP.Get()
	defer rc.Close()
	if _, err := rc.Do("PING"); err != nil {
		log.Error("redis not reachable", "error", err)
		return fmt.Errorf("error pinging redis: %w", err)
	}
	log.Info("redis ok")

	if rt.S3 != nil {
		if err := rt.S3.Test(ctx, rt.Config.S3MediaBucket); err != nil {
			log.Error("media bucket not reachable", "error", err, "bucket", rt.Config.S3MediaBucket)
			return fmt.Errorf("error checking media bucket: %w", err)
		}
		log.Info("media bucket ok", "bucket", rt.Config.S3MediaBucket)
	}

	return nil
}

// Stop closes our pools.
func (rt *Runtime) Stop() error {
	if err := rt.RP.Close(); err != nil {
		return fmt.Errorf("error closing redis pool: %w", err)
	}
	if err := rt.DB.Close(); err != nil {
		return fmt.Errorf("error closing database pool: %w", err)
	}
	return nil
}

func newRedisPool(redisURL string, maxActive int) (*redis.Pool, error) {
	parsed, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}

	pool := &redis.Pool{
		Wait:        true,              // makes callers wait for a connection
		MaxActive:   maxActive,         // only open this many concurrent connections at once
		MaxIdle:     4,                 // only keep up to this many idle
		IdleTimeout: 240 * time.Second, // how long to wait before reaping a connection
		Dial: func() (redis.Conn, error) {
			conn, err := redis.Dial("tcp", parsed.Host)
			if err != nil {
				return nil, err
			}

			// send auth if required
			if parsed.User != nil {
				pass, authRequired := parsed.User.Password()
				if authRequired {
					if _, err := conn.Do("AUTH", pass); err != nil {
						conn.Close()
						return nil, err
					}
				}
			}

			// switch to the right DB
			db := strings.TrimLeft(parsed.Path, "/")
			if db != "" {
				if _, err := conn.Do("SELECT", db); err != nil {
					conn.Close()
					return nil, err
				}
			}
			return conn, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	return pool, nil
}
