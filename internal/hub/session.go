package hub

import (
	"context"
	"sync"
	"time"

	"github.com/wjlgatech/epiloop/pkg/models"
)

// runQueue is the per-SessionKey single-consumer mailbox enforcing
// spec.md §4.5's FIFO guarantee: a new inbound event for an existing
// SessionKey is appended to that run's work queue; at most one run is
// active per SessionKey.
//
// This directly implements spec.md §9's guidance: "Per-SessionKey FIFO is
// required; enforce via a per-key single-consumer queue or a mailbox
// actor." One goroutine per SessionKey drains work; everyone else only
// enqueues.
type runQueue struct {
	key     models.SessionKey
	work    chan workItem
	cancel  context.CancelFunc
	run     models.AgentRun
	mu      sync.Mutex
}

type workItem struct {
	ctx     context.Context
	inbound InboundPayload
	done    chan struct{}
}

const queueDepth = 64 // bounded per spec.md §5's back-pressure requirement

func newRunQueue(key models.SessionKey) *runQueue {
	return &runQueue{
		key:  key,
		work: make(chan workItem, queueDepth),
		run:  models.AgentRun{SessionKey: key, State: models.RunIdle, StartedAt: time.Now().UTC()},
	}
}

// sessionTable owns all active SessionKey run queues. Mutation (creating a
// new queue) is exclusive; this mirrors spec.md §5's "exclusive for session
// table mutation" lock discipline.
type sessionTable struct {
	mu     sync.Mutex
	queues map[models.SessionKey]*runQueue
}

func newSessionTable() *sessionTable {
	return &sessionTable{queues: make(map[models.SessionKey]*runQueue)}
}

// getOrCreate returns the run queue for key, starting its consumer
// goroutine exactly once.
func (t *sessionTable) getOrCreate(key models.SessionKey, consume func(*runQueue, workItem)) *runQueue {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.queues[key]; ok {
		return q
	}
	q := newRunQueue(key)
	t.queues[key] = q
	go func() {
		for item := range q.work {
			consume(q, item)
		}
	}()
	return q
}

// DeriveSessionKey builds a SessionKey from (channel, account, peer, thread),
// per spec.md §3's invariant: derived only from those fields, so the same
// inbound conversation always maps to the same key.
func DeriveSessionKey(channel, account, peer, thread string) models.SessionKey {
	key := channel + "|" + account + "|" + peer
	if thread != "" {
		key += "|" + thread
	}
	return models.SessionKey(key)
}
