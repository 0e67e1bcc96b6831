package kv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisPayloadField = "payload"
	redisVersionField = "version"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisStore persists records as Redis hashes carrying a payload and a
// version field. Conditional writes run inside WATCH/MULTI transactions so a
// concurrent mutation aborts the exchange instead of clobbering it.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects a store to Redis. The caller is responsible for
// ensuring the Redis instance is reachable.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisStore{client: client}, nil
}

// Get returns the stored payload and version for the key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	fields, err := s.client.HMGet(ctx, key, redisPayloadField, redisVersionField).Result()
	if err != nil {
		return nil, 0, translateContextErr(ctx, fmt.Errorf("redis get %s: %w", key, err))
	}
	if len(fields) != 2 || fields[0] == nil || fields[1] == nil {
		return nil, 0, ErrNotFound
	}
	payload, ok := fields[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("redis get %s: unexpected payload type %T", key, fields[0])
	}
	version, err := redisFieldInt(fields[1])
	if err != nil {
		return nil, 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return []byte(payload), version, nil
}

// CompareAndSwap replaces the payload when the stored version matches.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	newVersion := expectedVersion + 1
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, redisVersionField).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse version: %w", err)
		}
		if version != expectedVersion {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, redisPayloadField, string(value), redisVersionField, newVersion)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrConflict
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return 0, err
	}
	if err != nil {
		return 0, translateContextErr(ctx, fmt.Errorf("redis cas %s: %w", key, err))
	}
	return newVersion, nil
}

// InsertIfAbsent creates the key when it does not exist yet.
func (s *RedisStore) InsertIfAbsent(ctx context.Context, key string, value []byte) (int64, error) {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, redisPayloadField, string(value), redisVersionField, int64(1))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Only inserts create keys, so a watched-key change means another
		// writer won the race.
		return 0, ErrAlreadyExists
	}
	if errors.Is(err, ErrAlreadyExists) {
		return 0, err
	}
	if err != nil {
		return 0, translateContextErr(ctx, fmt.Errorf("redis insert %s: %w", key, err))
	}
	return 1, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return translateContextErr(ctx, fmt.Errorf("redis delete %s: %w", key, err))
	}
	return nil
}

// Scan visits every key with the provided prefix using cursor iteration.
func (s *RedisStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte, version int64) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 128).Result()
		if err != nil {
			return translateContextErr(ctx, fmt.Errorf("redis scan %s: %w", prefix, err))
		}
		for _, key := range keys {
			value, version, err := s.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				// Deleted between SCAN and fetch.
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(key, value, version); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client resources.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisFieldInt(v interface{}) (int64, error) {
	switch value := v.(type) {
	case string:
		return strconv.ParseInt(value, 10, 64)
	case int64:
		return value, nil
	default:
		return 0, fmt.Errorf("unexpected version type %T", v)
	}
}

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
