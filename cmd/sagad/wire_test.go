package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/config"
	"github.com/fortressi/saga/events"
	"github.com/fortressi/saga/redisstore"
)

func parse(t *testing.T, doc string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestWireMemoryDefaults(t *testing.T) {
	d, err := wire(context.Background(), parse(t, "{}"), zerolog.Nop())
	require.NoError(t, err)
	defer d.close()

	assert.IsType(t, &saga.MemoryStore{}, d.store)
	require.NotNil(t, d.metrics)
	assert.Len(t, d.observers, 1)
}

func TestWireFileStore(t *testing.T) {
	dir := t.TempDir()
	d, err := wire(context.Background(), parse(t, "store:\n  driver: file\n  dir: "+dir+"\nmetrics:\n  enabled: false\n"), zerolog.Nop())
	require.NoError(t, err)
	defer d.close()

	assert.IsType(t, &saga.FileStore{}, d.store)
	assert.Nil(t, d.metrics)
	assert.Empty(t, d.observers)
}

func TestWireRedisStoreAndStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := parse(t, "store:\n  driver: redis\nredis:\n  addr: "+mr.Addr()+"\nevents:\n  sink: redis\nmetrics:\n  enabled: false\n")

	d, err := wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer d.close()

	assert.IsType(t, &redisstore.Store{}, d.store)
	require.Len(t, d.observers, 1)
	assert.IsType(t, &events.Emitter{}, d.observers[0])

	def := saga.MustDefinition("noop", saga.NewStepWithNoOpCompensation("only",
		func(context.Context, *saga.Context) error { return nil }))
	out, err := saga.New(d.store, nil, saga.WithObserver(d.observers...)).Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, out.Status)

	entries, err := mr.Stream("saga:events")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestWireSQLite(t *testing.T) {
	d, err := wire(context.Background(), parse(t, "store:\n  driver: sqlite\n  dsn: \":memory:\"\n  migrate: true\n"), zerolog.Nop())
	require.NoError(t, err)
	defer d.close()

	_, err = d.store.FindByStatus(context.Background(), saga.StatusRunning)
	assert.NoError(t, err)
}
