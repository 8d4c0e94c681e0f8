// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpusafe/driver"
)

// GuardedRegion is one buffer range a fence guards.
type GuardedRegion struct {
	Buffer driver.BufferID
	Label  string
	Region Region
	// Write is true when the fenced submission writes the region.
	// Fences from reads only guard later CPU writes.
	Write bool
}

// FenceToken is a point in a context's command stream. Tokens are created
// by FenceManager.Insert in submission order; a token signals only after
// every earlier submission has completed.
type FenceToken struct {
	seq     uint64
	id      driver.FenceID
	created time.Time
	regions []GuardedRegion

	signaled atomic.Bool
	elem     *list.Element // position in FenceManager.outstanding, nil once signaled
}

// Seq returns the token's position in submission order, starting at 1.
func (t *FenceToken) Seq() uint64 { return t.seq }

// Created returns when the token was inserted.
func (t *FenceToken) Created() time.Time { return t.created }

// Regions returns the regions the token guards.
func (t *FenceToken) Regions() []GuardedRegion { return t.regions }

// Signaled reports whether the token is known to have signaled. It does
// not query the driver; see FenceManager.Poll.
func (t *FenceToken) Signaled() bool { return t.signaled.Load() }

func (t *FenceToken) String() string {
	state := "pending"
	if t.Signaled() {
		state = "signaled"
	}
	return fmt.Sprintf("fence#%d(%s, %d regions)", t.seq, state, len(t.regions))
}

// FenceStats contains fence bookkeeping counters.
type FenceStats struct {
	// Inserted is the number of fences inserted.
	Inserted uint64
	// Waited is the number of Wait calls that blocked in the driver.
	Waited uint64
	// Forced is the number of waits forced by the outstanding cap.
	Forced uint64
	// Retired is the number of driver fences deleted after signaling.
	Retired uint64
	// Timeouts is the number of waits that ended on their context.
	Timeouts uint64
	// Outstanding is the number of fences not yet known to have signaled.
	Outstanding int
}

// String returns a human-readable summary.
func (s FenceStats) String() string {
	return fmt.Sprintf("Fences[%d outstanding, %d inserted, %d waited, %d forced, %d retired, %d timeouts]",
		s.Outstanding, s.Inserted, s.Waited, s.Forced, s.Retired, s.Timeouts)
}

// FenceManager creates, polls and waits on fences. It is the only part of
// gpusafe that blocks on GPU progress.
//
// Outstanding fences form a FIFO bounded by the configured cap. Inserting
// past the cap first waits on the oldest fence. Once a fence is known to
// have signaled, it and every older fence are retired: their driver
// objects are deleted and the tokens stay valid as signaled markers.
//
// FenceManager is safe for concurrent use.
type FenceManager struct {
	mu           sync.Mutex
	drv          driver.Driver
	log          *slog.Logger
	reject       func(err error, op string) error
	max          int
	pollInterval time.Duration

	seq         uint64
	outstanding *list.List // of *FenceToken, oldest at front
	stats       FenceStats
}

func newFenceManager(drv driver.Driver, log *slog.Logger, o contextOptions, reject func(error, string) error) *FenceManager {
	return &FenceManager{
		drv:          drv,
		log:          log,
		reject:       reject,
		max:          o.maxFences,
		pollInterval: o.pollInterval,
		outstanding:  list.New(),
	}
}

// Insert places a fence after every submission issued so far and returns
// its token. When the outstanding cap is reached the oldest fence is waited
// on first.
func (m *FenceManager) Insert(regions []GuardedRegion) (*FenceToken, error) {
	m.mu.Lock()
	m.reclaimLocked()
	for m.outstanding.Len() >= m.max {
		oldest := m.outstanding.Front().Value.(*FenceToken)
		m.stats.Forced++
		m.mu.Unlock()
		m.log.Warn("gpusafe: fence cap reached, waiting on oldest fence",
			slog.Int("cap", m.max), slog.Uint64("fence", oldest.seq))
		if err := m.Wait(context.Background(), oldest); err != nil {
			return nil, err
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	id, err := m.drv.InsertFence()
	if err != nil {
		return nil, m.reject(err, "InsertFence")
	}
	m.seq++
	tok := &FenceToken{
		seq:     m.seq,
		id:      id,
		created: time.Now(),
		regions: regions,
	}
	tok.elem = m.outstanding.PushBack(tok)
	m.stats.Inserted++
	m.log.Debug("gpusafe: fence inserted", slog.Uint64("fence", tok.seq), slog.Int("regions", len(regions)))
	return tok, nil
}

// Wait blocks until the token signals. It returns immediately for signaled
// tokens. When ctx ends first, Wait returns an error matching both
// ErrTimeout and the context's error; the token stays outstanding.
func (m *FenceManager) Wait(ctx context.Context, tok *FenceToken) error {
	if tok.Signaled() {
		return nil
	}
	m.mu.Lock()
	m.stats.Waited++
	m.mu.Unlock()

	start := time.Now()
	for {
		if tok.Signaled() {
			return nil
		}
		timeout := m.pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if rem := time.Until(deadline); rem < timeout {
				timeout = max(rem, 0)
			}
		}
		ok, err := m.drv.ClientWaitFence(tok.id, timeout)
		if err != nil {
			// Another waiter may have retired the fence meanwhile.
			if tok.Signaled() {
				return nil
			}
			return m.reject(err, "ClientWaitFence")
		}
		if ok {
			m.retireThrough(tok)
			m.log.Debug("gpusafe: fence wait done", slog.Uint64("fence", tok.seq), slog.Duration("elapsed", time.Since(start)))
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			m.mu.Lock()
			m.stats.Timeouts++
			m.mu.Unlock()
			return errors.Mark(errors.Wrapf(cerr, "wait %s", tok), ErrTimeout)
		}
	}
}

// Poll reports whether the token has signaled without blocking.
func (m *FenceManager) Poll(tok *FenceToken) (bool, error) {
	if tok.Signaled() {
		return true, nil
	}
	ok, err := m.drv.FenceSignaled(tok.id)
	if err != nil {
		if tok.Signaled() {
			return true, nil
		}
		return false, m.reject(err, "FenceSignaled")
	}
	if ok {
		m.retireThrough(tok)
	}
	return ok, nil
}

// WaitAll waits for every outstanding fence.
func (m *FenceManager) WaitAll(ctx context.Context) error {
	m.mu.Lock()
	back := m.outstanding.Back()
	m.mu.Unlock()
	if back == nil {
		return nil
	}
	return m.Wait(ctx, back.Value.(*FenceToken))
}

// Stats returns a snapshot of the counters.
func (m *FenceManager) Stats() FenceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Outstanding = m.outstanding.Len()
	return s
}

// Outstanding returns the number of fences not yet known to have signaled.
func (m *FenceManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding.Len()
}

// retireThrough marks tok and every older token signaled and deletes
// their driver fences.
func (m *FenceManager) retireThrough(tok *FenceToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.outstanding.Front(); e != nil; {
		t := e.Value.(*FenceToken)
		if t.seq > tok.seq {
			break
		}
		next := e.Next()
		m.retireLocked(t)
		e = next
	}
	// tok may have left the list through another waiter already.
	tok.signaled.Store(true)
}

// retireLocked retires one outstanding token. Caller holds m.mu.
func (m *FenceManager) retireLocked(t *FenceToken) {
	if t.elem == nil {
		return
	}
	m.outstanding.Remove(t.elem)
	t.elem = nil
	t.signaled.Store(true)
	m.drv.DeleteFence(t.id)
	m.stats.Retired++
}

// reclaimLocked retires signaled fences at the front of the queue without
// blocking. Caller holds m.mu.
func (m *FenceManager) reclaimLocked() {
	for e := m.outstanding.Front(); e != nil; e = m.outstanding.Front() {
		t := e.Value.(*FenceToken)
		ok, err := m.drv.FenceSignaled(t.id)
		if err != nil || !ok {
			return
		}
		m.retireLocked(t)
	}
}
