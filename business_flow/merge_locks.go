package businessflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// tenantLocker serializes merges for one tenant. release must be called
// once the merge is done.
type tenantLocker interface {
	Lock(ctx context.Context, tenantID string) (release func(), err error)
}

// processMergeLocks guards merges inside this process only
type processMergeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newProcessMergeLocks() *processMergeLocks {
	return &processMergeLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *processMergeLocks) Lock(_ context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, ErrMergeInProgress
	}
	return m.Unlock, nil
}

// redisMergeLocks guards merges across every instance sharing the redis server
type redisMergeLocks struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
}

func (l *redisMergeLocks) Lock(ctx context.Context, tenantID string) (func(), error) {
	lock, err := l.client.Obtain(ctx, fmt.Sprintf("%smerge:%s", l.prefix, tenantID), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrMergeInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain merge lock: %w", err)
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}
