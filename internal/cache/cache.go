package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/robertlestak/contract-txcache/internal/schema"
	log "github.com/sirupsen/logrus"
)

// RedisStore keeps the whole snapshot under one key. A single SET replaces it,
// which is atomic for every reader.
type RedisStore struct {
	Client *redis.Client
	Key    string
}

// NewRedisStore connects to host:port and verifies the connection.
func NewRedisStore(host, port, key string) (*RedisStore, error) {
	l := log.WithFields(log.Fields{
		"package": "cache",
		"func":    "NewRedisStore",
	})
	l.Info("Initializing redis client")
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		Password:    "", // no password set
		DB:          0,  // use default DB
		DialTimeout: 30 * time.Second,
		ReadTimeout: 30 * time.Second,
	})
	if err := client.Ping().Err(); err != nil {
		l.Error("Failed to connect to redis")
		return nil, err
	}
	l.Info("Connected to redis")
	return &RedisStore{Client: client, Key: key}, nil
}

// Load returns the stored snapshot, or an empty one if the key is unset.
func (r *RedisStore) Load(ctx context.Context) (*schema.Snapshot, error) {
	l := log.WithFields(log.Fields{
		"package": "cache",
		"func":    "RedisStore.Load",
		"key":     r.Key,
	})
	data, err := r.Client.WithContext(ctx).Get(r.Key).Bytes()
	if err == redis.Nil {
		l.Info("no stored snapshot")
		return schema.NewSnapshot(), nil
	} else if err != nil {
		l.Error(err)
		return nil, err
	}
	return decode(data)
}

// Save stamps the integrity tag on s and writes it.
func (r *RedisStore) Save(ctx context.Context, s *schema.Snapshot) error {
	l := log.WithFields(log.Fields{
		"package": "cache",
		"func":    "RedisStore.Save",
		"key":     r.Key,
	})
	data, err := encode(s)
	if err != nil {
		l.Error(err)
		return err
	}
	if err := r.Client.WithContext(ctx).Set(r.Key, data, 0).Err(); err != nil {
		l.Error(err)
		return err
	}
	l.Debugf("saved %d bytes", len(data))
	return nil
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.Client.Close()
}
