package engine

import "sync"

// keyedMutex serializes work per job id using a fixed shard table. Webhook
// callbacks for the same job must never race on the terminal-state check;
// callbacks for different jobs proceed in parallel (modulo shard
// collisions, which are harmless).
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

// lock acquires the shard for the given job id and returns the unlock func.
func (m *keyedMutex) lock(jobID int64) func() {
	shard := &m.shards[uint64(jobID)%lockShards]
	shard.Lock()
	return shard.Unlock
}
