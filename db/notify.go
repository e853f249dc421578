package db

import (
	"encoding/json"
	"slices"

	"github.com/nickyhof/EntityDB/op"
)

// CommittedChange is one entity write as seen by subscribers. A nil
// Snapshot is a deletion.
type CommittedChange struct {
	SchemaKey string          `json:"schema_key"`
	EntityID  string          `json:"entity_id"`
	CommitID  string          `json:"commit_id"`
	Snapshot  json.RawMessage `json:"snapshot_content"`
}

// StateCommitted is emitted once per committed batch of changes.
type StateCommitted struct {
	VersionID string            `json:"version_id"`
	CommitID  string            `json:"commit_id"`
	Changes   []CommittedChange `json:"changes"`
}

// Subscribe registers fn for commit notifications and returns a function
// removing it. Notifications are delivered synchronously, in commit order,
// outside the engine lock. fn must not write through the engine.
func (engine *Engine) Subscribe(fn func(StateCommitted)) (unsubscribe func()) {
	engine.subscribersMu.Lock()
	id := engine.nextID
	engine.nextID++
	engine.subscribers[id] = fn
	engine.subscribersMu.Unlock()

	return func() {
		engine.subscribersMu.Lock()
		delete(engine.subscribers, id)
		engine.subscribersMu.Unlock()
	}
}

// unlockAndPublish releases the write lock and delivers batches. Delivery
// starts before the next writer can commit, so subscribers see commits in
// order.
func (engine *Engine) unlockAndPublish(batches []op.Batch) {
	engine.deliverMu.Lock()
	engine.mu.Unlock()
	defer engine.deliverMu.Unlock()
	engine.publish(batches)
}

func (engine *Engine) publish(batches []op.Batch) {
	if len(batches) == 0 {
		return
	}

	engine.subscribersMu.Lock()
	ids := make([]int, 0, len(engine.subscribers))
	for id := range engine.subscribers {
		ids = append(ids, id)
	}
	subscribers := make([]func(StateCommitted), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		subscribers = append(subscribers, engine.subscribers[id])
	}
	engine.subscribersMu.Unlock()

	for _, batch := range batches {
		if len(batch.Changes) == 0 {
			continue
		}
		event := StateCommitted{VersionID: batch.VersionID, CommitID: batch.CommitID}
		for _, change := range batch.Changes {
			event.Changes = append(event.Changes, CommittedChange{
				SchemaKey: change.SchemaKey,
				EntityID:  change.EntityID,
				CommitID:  change.CommitID,
				Snapshot:  change.Snapshot,
			})
		}
		for _, fn := range subscribers {
			fn(event)
		}
	}
}
