package persistentworker

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// defaultShardCount is plenty for the handful of requests a worker has in flight at once.
const defaultShardCount = 1 << 4

// An activeRequest is the engine's record of a request that has not yet had its response written.
type activeRequest struct {
	req   *WorkRequest
	state stateCell
	task  *task
}

// registry is a sharded concurrent map of active requests keyed by request id.
// Individual operations are threadsafe; nothing is atomic across a Get followed
// by a mutation, which is what the per-request stateCell is for.
type registry struct {
	shards []registryShard
	mask   uint32
}

type registryShard struct {
	m       map[int32]*activeRequest
	waiters map[int32][]chan struct{}
	l       sync.Mutex
}

// newRegistry creates a registry with the given number of shards, which must be a power of 2.
func newRegistry(shardCount uint32) *registry {
	mask := shardCount - 1
	if shardCount == 0 || (shardCount&mask) != 0 {
		panic(fmt.Sprintf("Shard count %d is not a power of 2", shardCount))
	}
	r := &registry{
		shards: make([]registryShard, shardCount),
		mask:   mask,
	}
	for i := range r.shards {
		r.shards[i].m = map[int32]*activeRequest{}
		r.shards[i].waiters = map[int32][]chan struct{}{}
	}
	return r
}

func (r *registry) shard(id int32) *registryShard {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(id))
	return &r.shards[uint32(xxhash.Sum64(b[:]))&r.mask]
}

// Add inserts an entry for id. It returns false, without inserting, if one already exists.
func (r *registry) Add(id int32, e *activeRequest) bool {
	s := r.shard(id)
	s.l.Lock()
	defer s.l.Unlock()
	if _, present := s.m[id]; present {
		return false
	}
	s.m[id] = e
	return true
}

// Get returns the entry for id, if there is one.
func (r *registry) Get(id int32) (*activeRequest, bool) {
	s := r.shard(id)
	s.l.Lock()
	defer s.l.Unlock()
	e, present := s.m[id]
	return e, present
}

// Delete removes the entry for id, but only if it is still e.
func (r *registry) Delete(id int32, e *activeRequest) {
	s := r.shard(id)
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[id]; !present || existing != e {
		return
	}
	delete(s.m, id)
	s.wake(id)
}

// wake releases anything waiting for id to leave the map. The shard lock must be held.
func (s *registryShard) wake(id int32) {
	for _, ch := range s.waiters[id] {
		close(ch)
	}
	delete(s.waiters, id)
}

// Values returns a snapshot of all current entries. No particular order is guaranteed.
func (r *registry) Values() []*activeRequest {
	ret := []*activeRequest{}
	for i := range r.shards {
		s := &r.shards[i]
		s.l.Lock()
		for _, e := range s.m {
			ret = append(ret, e)
		}
		s.l.Unlock()
	}
	return ret
}

// Len returns the number of entries currently in the map.
func (r *registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.l.Lock()
		n += len(s.m)
		s.l.Unlock()
	}
	return n
}

// Clear removes every entry, waking any waiters.
func (r *registry) Clear() {
	for i := range r.shards {
		s := &r.shards[i]
		s.l.Lock()
		for id := range s.m {
			delete(s.m, id)
			s.wake(id)
		}
		s.l.Unlock()
	}
}

// AwaitAbsent blocks until there is no entry for id, or ctx is done.
func (r *registry) AwaitAbsent(ctx context.Context, id int32) error {
	s := r.shard(id)
	s.l.Lock()
	if _, present := s.m[id]; !present {
		s.l.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[id] = append(s.waiters[id], ch)
	s.l.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
