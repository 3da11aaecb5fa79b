package core

import "container/list"

// Dedup tiers, used as the tier label on duplicate metrics
const (
	TierLRU      = "lru"
	TierPostgres = "postgres"
)

// DBIdempotencyChecker looks a command up in the persisted event log
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// dedupKey scopes an idempotency key to its command type
type dedupKey struct {
	eventType string
	key       string
}

// IdempotencyChecker answers "was this command already processed" from a
// bounded set of recent keys, falling back to the event log for older ones.
type IdempotencyChecker struct {
	recent *IdempotencyLRU
	store  DBIdempotencyChecker
}

func NewIdempotencyChecker(capacity int, store DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{recent: NewIdempotencyLRU(capacity), store: store}
}

// IsDuplicate reports whether the command was seen and which tier knew it.
// A store error is returned alongside a false result: the unique index on the
// event log still refuses the row if it really was a duplicate.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) (bool, string, error) {
	k := dedupKey{eventType: eventType, key: idempotencyKey}
	if ic.recent.contains(k) {
		return true, TierLRU, nil
	}
	if ic.store == nil {
		return false, "", nil
	}
	dup, err := ic.store.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		return false, "", err
	}
	if !dup {
		return false, "", nil
	}
	ic.recent.add(k)
	return true, TierPostgres, nil
}

// IsDuplicateLRU consults recent keys only. Replay relies on it since every
// replayed command is in the log by definition.
func (ic *IdempotencyChecker) IsDuplicateLRU(eventType, idempotencyKey string) bool {
	return ic.recent.contains(dedupKey{eventType: eventType, key: idempotencyKey})
}

func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.recent.add(dedupKey{eventType: eventType, key: idempotencyKey})
}

func (ic *IdempotencyChecker) LRU() *IdempotencyLRU { return ic.recent }

// IdempotencyLRU keeps the most recently used keys up to its capacity.
// Owned by the core goroutine.
type IdempotencyLRU struct {
	capacity  int
	index     map[dedupKey]*list.Element
	order     *list.List // front is most recent
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	capacity = max(capacity, 1)
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[dedupKey]*list.Element, capacity),
		order:    list.New(),
	}
}

// contains reports membership and refreshes the key on a hit
func (l *IdempotencyLRU) contains(k dedupKey) bool {
	el, ok := l.index[k]
	if ok {
		l.order.MoveToFront(el)
	}
	return ok
}

func (l *IdempotencyLRU) add(k dedupKey) {
	if el, ok := l.index[k]; ok {
		l.order.MoveToFront(el)
		return
	}
	l.index[k] = l.order.PushFront(k)
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(dedupKey))
		l.evictions++
	}
}

func (l *IdempotencyLRU) Size() int        { return l.order.Len() }
func (l *IdempotencyLRU) Evictions() int64 { return l.evictions }
