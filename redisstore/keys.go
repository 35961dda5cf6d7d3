package redisstore

import "github.com/fortressi/saga"

const defaultPrefix = "saga"

type keys struct {
	prefix string
}

func (k keys) record(id string) string { return k.prefix + ":record:" + id }

func (k keys) status(s saga.Status) string { return k.prefix + ":status:" + string(s) }

func (k keys) sagaType(t saga.SagaType) string { return k.prefix + ":type:" + string(t) }

// all is a sorted set of every saga id scored by creation time.
func (k keys) all() string { return k.prefix + ":all" }

func (k keys) partial() string { return k.prefix + ":partial" }
