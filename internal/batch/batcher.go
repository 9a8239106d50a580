// Package batch implements the Batcher (spec §4.3): it pulls items from
// the Priority Request Queue, waits up to a short collection window, groups
// items whose BatchKey matches, and emits provider-call Descriptors.
package batch

import (
	"context"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/modelinfo"
	"github.com/lmql-rt/corert/internal/queue"
)

// Member is one request fused into a Descriptor.
type Member struct {
	Request *apitypes.Request
	Future  *queue.Future
}

// Descriptor is one provider-call group: all prompts, futures, request IDs,
// shared parameters, and an effective timeout equal to the maximum of the
// members' timeouts (spec §4.3 step 4).
type Descriptor struct {
	Key     apitypes.BatchKey
	IsChat  bool
	Members []Member
	Timeout time.Duration
}

// Config holds the Batcher's tuning knobs (spec §4.3).
type Config struct {
	BatchSize                int
	MaximumCollectionPeriod  time.Duration
}

// DefaultConfig matches spec §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:               20,
		MaximumCollectionPeriod: 50 * time.Millisecond,
	}
}

// Batcher runs the single async collection loop described in spec §4.3.
type Batcher struct {
	cfg Config
}

func New(cfg Config) *Batcher {
	return &Batcher{cfg: cfg}
}

// Fill implements spec §4.3's five-step protocol: block on the first item,
// drain up to batch_size more without blocking, sleep and drain once more
// if still short, partition by BatchKey, split chat partitions into
// singletons, and return the resulting Descriptors in queue order.
func (b *Batcher) Fill(ctx context.Context, q *queue.Queue) ([]Descriptor, error) {
	// Step 1: block on the first item.
	first, ok := q.Get(ctx)
	if !ok {
		return nil, ctx.Err()
	}
	items := []queue.Item{first}

	// Step 2: non-blockingly drain up to batch_size additional items.
	items = b.drainNowait(q, items)

	// Step 3: if still short, sleep for the collection period and drain again.
	if len(items) < b.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return b.group(items), ctx.Err()
		case <-time.After(b.cfg.MaximumCollectionPeriod):
		}
		items = b.drainNowait(q, items)
	}

	// Step 4 + 5: partition by BatchKey, split chat partitions into singletons.
	return b.group(items), nil
}

func (b *Batcher) drainNowait(q *queue.Queue, items []queue.Item) []queue.Item {
	for len(items) < b.cfg.BatchSize {
		item, ok := q.TryGet()
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items
}

// group partitions items by BatchKey, preserving queue order within each
// partition and across partitions is not reordered (spec §4.3: "The
// batcher never reorders across partitions").
func (b *Batcher) group(items []queue.Item) []Descriptor {
	order := make([]apitypes.BatchKey, 0, len(items))
	buckets := make(map[apitypes.BatchKey][]queue.Item)
	for _, it := range items {
		key := it.Request.Key()
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], it)
	}

	var descriptors []Descriptor
	for _, key := range order {
		bucket := buckets[key]
		isChat := modelinfo.IsChatModel(bucket[0].Request.Params.Model)
		if isChat {
			// Chat-style partitions are split into singletons before
			// emission (spec §4.3 step 5): the remote chat endpoint has
			// no batched prompt form (spec §3 BatchKey).
			for _, it := range bucket {
				descriptors = append(descriptors, b.makeDescriptor(key, true, []queue.Item{it}))
			}
			continue
		}
		descriptors = append(descriptors, b.makeDescriptor(key, false, bucket))
	}
	return descriptors
}

func (b *Batcher) makeDescriptor(key apitypes.BatchKey, isChat bool, items []queue.Item) Descriptor {
	var timeout time.Duration
	members := make([]Member, 0, len(items))
	for _, it := range items {
		members = append(members, Member{Request: it.Request, Future: it.Future})
		if it.Request.Timeout > timeout {
			timeout = it.Request.Timeout
		}
	}
	return Descriptor{Key: key, IsChat: isChat, Members: members, Timeout: timeout}
}
