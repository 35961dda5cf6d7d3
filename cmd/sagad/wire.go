package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/config"
	"github.com/fortressi/saga/events"
	"github.com/fortressi/saga/metrics"
	"github.com/fortressi/saga/redisstore"
	"github.com/fortressi/saga/sqlstore"
)

const connectTimeout = 2 * time.Second

// deps are the process-wide collaborators built from config.
type deps struct {
	store     saga.Store
	metrics   *metrics.Metrics
	observers []saga.Observer
	closers   []func() error
	log       zerolog.Logger
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.log.Warn().Err(err).Msg("close dependency")
		}
	}
}

func wire(ctx context.Context, cfg config.Config, log zerolog.Logger) (*deps, error) {
	d := &deps{log: log}

	var redisClient *redis.Client
	if cfg.Store.Driver == config.DriverRedis || cfg.Events.Sink == config.SinkRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, redisClient.Close)

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis ping failed")
		}
		cancel()
	}

	store, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		d.close()
		return nil, err
	}
	d.store = store
	if sqlStore, ok := store.(*sqlstore.Store); ok {
		d.closers = append(d.closers, sqlStore.Close)
	}

	pub, err := newPublisher(cfg, redisClient)
	if err != nil {
		d.close()
		return nil, err
	}
	if pub != nil {
		d.closers = append(d.closers, pub.Close)
		d.observers = append(d.observers, events.NewEmitter(pub, events.WithLogger(log)))
	}

	if cfg.MetricsEnabled() {
		d.metrics = metrics.New(nil)
		d.observers = append(d.observers, d.metrics)
	}
	return d, nil
}

func openStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (saga.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return saga.NewMemoryStore(), nil
	case config.DriverFile:
		fs, err := saga.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case config.DriverRedis:
		if redisClient == nil {
			return nil, errors.New("redis store needs a redis client")
		}
		return redisstore.NewWithClient(redisClient, redisstore.WithPrefix(cfg.Redis.Prefix)), nil
	case config.DriverPostgres, config.DriverSQLite:
		dialect, err := sqlstore.DialectFor(cfg.Store.Driver)
		if err != nil {
			return nil, err
		}
		openCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		store, err := sqlstore.Open(openCtx, dialect, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := store.Migrate(openCtx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// newPublisher returns nil when events are disabled.
func newPublisher(cfg config.Config, redisClient *redis.Client) (events.Publisher, error) {
	switch cfg.Events.Sink {
	case config.SinkNone:
		return nil, nil
	case config.SinkKafka:
		return events.NewKafkaPublisher(cfg.Kafka)
	case config.SinkRedis:
		if redisClient == nil {
			return nil, errors.New("redis event sink needs a redis client")
		}
		return events.NewRedisStreamPublisher(redisClient, cfg.Events.Stream, cfg.Events.MaxLen), nil
	}
	return nil, fmt.Errorf("unknown events sink %q", cfg.Events.Sink)
}
