package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"creatorstudio/internal/infra"
)

// Key layout, per kind:
//
//	queue:{kind}:msg:{id}              item JSON
//	queue:{kind}:index:{ts020}:{id}    visibility index for unfinished items
//	queue:{kind}:done:{ts020}:{id}     finish-time index for retention
//	queue:ref:{id}                     kind lookup for id-only operations
const (
	keyPrefix      = "queue:"
	maxTxnRetries  = 8
	defaultLease   = time.Minute
	defaultBackoff = 5 * time.Second
	maxLogLines    = 200
)

// BadgerBroker is a Broker persisted in Badger.
type BadgerBroker struct {
	db     *badger.DB
	logger infra.Logger
	now    func() time.Time
}

// Option customises a BadgerBroker.
type Option func(*BadgerBroker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *BadgerBroker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBadgerBroker wraps an open Badger database. The caller owns db.
func NewBadgerBroker(db *badger.DB, logger infra.Logger, opts ...Option) (*BadgerBroker, error) {
	if db == nil {
		return nil, errors.New("queue: badger db is required")
	}
	b := &BadgerBroker{
		db:     db,
		logger: infra.Component(logger, "queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *BadgerBroker) Add(ctx context.Context, kind, jobID, ownerID string, payload json.RawMessage, opts AddOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(kind) == "" {
		return "", errors.New("queue: kind is required")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = ItemID(kind, ownerID, jobID, b.now())
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	now := b.now()
	item := Item{
		ID:          id,
		Kind:        kind,
		JobID:       jobID,
		OwnerID:     ownerID,
		Payload:     payload,
		State:       StateWaiting,
		MaxAttempts: attempts,
		Backoff:     backoff,
		EnqueuedAt:  now,
		VisibleAt:   now,
	}

	added := false
	err := b.update(func(txn *badger.Txn) error {
		added = false
		existing, err := lookup(txn, id)
		if err == nil {
			if existing.JobID != jobID {
				return fmt.Errorf("%w: %s is held by job %s", ErrItemConflict, id, existing.JobID)
			}
			return nil
		} else if !errors.Is(err, ErrItemNotFound) {
			return err
		}
		if err := putItem(txn, &item); err != nil {
			return err
		}
		if err := txn.Set(indexKey(kind, item.VisibleAt, id), nil); err != nil {
			return err
		}
		added = true
		return txn.Set(refKey(id), []byte(kind))
	})
	if err != nil {
		return "", fmt.Errorf("queue: add: %w", err)
	}
	if added {
		b.logger.Debug().Str("item_id", id).Str("kind", kind).Str("job_id", jobID).Msg("item added")
	}
	return id, nil
}

func (b *BadgerBroker) Claim(ctx context.Context, kind string, lease time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = defaultLease
	}
	var claimed *Lease
	err := b.update(func(txn *badger.Txn) error {
		claimed = nil
		now := b.now()
		prefix := []byte(keyPrefix + kind + ":index:")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var stale [][]byte
		defer func() {
			for _, key := range stale {
				_ = txn.Delete(key)
			}
		}()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			visibleAt, id, err := parseIndexKey(prefix, key)
			if err != nil {
				stale = append(stale, key)
				continue
			}
			if visibleAt.After(now) {
				break
			}
			item, err := getItem(txn, kind, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				stale = append(stale, key)
				continue
			}
			if err != nil {
				return err
			}
			if item.State.Finished() {
				stale = append(stale, key)
				continue
			}
			if item.State == StateActive && item.Attempts >= item.MaxAttempts {
				// Lease expired on the final attempt.
				stale = append(stale, key)
				if err := finish(txn, item, StateFailed, "lease expired without acknowledgement", nil, now); err != nil {
					return err
				}
				continue
			}

			stale = append(stale, key)
			item.State = StateActive
			item.Attempts++
			item.LeaseToken = uuid.NewString()
			item.VisibleAt = now.Add(lease)
			if err := putItem(txn, item); err != nil {
				return err
			}
			if err := txn.Set(indexKey(kind, item.VisibleAt, item.ID), nil); err != nil {
				return err
			}
			claimed = &Lease{Item: *item, Token: item.LeaseToken}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if claimed == nil {
		return nil, ErrNoItem
	}
	return claimed, nil
}

func (b *BadgerBroker) Extend(ctx context.Context, lease *Lease, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		item, err := b.leased(txn, lease)
		if err != nil {
			return err
		}
		if err := txn.Delete(indexKey(item.Kind, item.VisibleAt, item.ID)); err != nil {
			return err
		}
		item.VisibleAt = b.now().Add(d)
		if err := putItem(txn, item); err != nil {
			return err
		}
		return txn.Set(indexKey(item.Kind, item.VisibleAt, item.ID), nil)
	})
}

func (b *BadgerBroker) Progress(ctx context.Context, itemID string, progress int, logLine string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		item, err := lookup(txn, itemID)
		if err != nil {
			return err
		}
		if item.State != StateActive {
			return nil
		}
		item.Progress = clamp(progress)
		if logLine != "" && !contains(item.Logs, logLine) {
			item.Logs = append(item.Logs, logLine)
			if len(item.Logs) > maxLogLines {
				item.Logs = item.Logs[len(item.Logs)-maxLogLines:]
			}
		}
		return putItem(txn, item)
	})
}

func (b *BadgerBroker) Complete(ctx context.Context, lease *Lease, returnValue json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.update(func(txn *badger.Txn) error {
		item, err := b.leased(txn, lease)
		if err != nil {
			return err
		}
		if err := txn.Delete(indexKey(item.Kind, item.VisibleAt, item.ID)); err != nil {
			return err
		}
		item.Progress = 100
		return finish(txn, item, StateCompleted, "", returnValue, b.now())
	})
	if err != nil {
		return err
	}
	b.logger.Debug().Str("item_id", lease.Item.ID).Msg("item completed")
	return nil
}

func (b *BadgerBroker) Fail(ctx context.Context, lease *Lease, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	retry := false
	err := b.update(func(txn *badger.Txn) error {
		retry = false
		item, err := b.leased(txn, lease)
		if err != nil {
			return err
		}
		now := b.now()
		if err := txn.Delete(indexKey(item.Kind, item.VisibleAt, item.ID)); err != nil {
			return err
		}
		item.FailedReason = reason
		if item.Attempts < item.MaxAttempts {
			retry = true
			item.State = StateDelayed
			item.LeaseToken = ""
			item.VisibleAt = now.Add(BackoffDelay(item.Backoff, item.Attempts))
			if err := putItem(txn, item); err != nil {
				return err
			}
			return txn.Set(indexKey(item.Kind, item.VisibleAt, item.ID), nil)
		}
		return finish(txn, item, StateFailed, reason, nil, now)
	})
	if err != nil {
		return false, err
	}
	b.logger.Debug().Str("item_id", lease.Item.ID).Bool("retry", retry).Msg("item failed")
	return retry, nil
}

func (b *BadgerBroker) Get(ctx context.Context, itemID string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Item
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := lookup(txn, itemID)
		if err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerBroker) Remove(ctx context.Context, itemID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	removed := false
	err := b.update(func(txn *badger.Txn) error {
		removed = false
		item, err := lookup(txn, itemID)
		if errors.Is(err, ErrItemNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.State != StateWaiting && item.State != StateDelayed {
			return nil
		}
		if err := txn.Delete(indexKey(item.Kind, item.VisibleAt, item.ID)); err != nil {
			return err
		}
		if err := txn.Delete(msgKey(item.Kind, item.ID)); err != nil {
			return err
		}
		removed = true
		return txn.Delete(refKey(item.ID))
	})
	if err != nil {
		return false, fmt.Errorf("queue: remove: %w", err)
	}
	return removed, nil
}

func (b *BadgerBroker) Prune(ctx context.Context, kind string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	prefix := []byte(keyPrefix + kind + ":done:")
	var doneKeys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doneKeys = append(doneKeys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: prune scan: %w", err)
	}
	excess := len(doneKeys) - keep
	if excess <= 0 {
		return 0, nil
	}
	pruned := 0
	for _, key := range doneKeys[:excess] {
		_, id, err := parseIndexKey(prefix, key)
		if err != nil {
			continue
		}
		err = b.update(func(txn *badger.Txn) error {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(msgKey(kind, id)); err != nil {
				return err
			}
			return txn.Delete(refKey(id))
		})
		if err != nil {
			return pruned, fmt.Errorf("queue: prune: %w", err)
		}
		pruned++
	}
	if pruned > 0 {
		b.logger.Info().Str("kind", kind).Int("pruned", pruned).Msg("finished items pruned")
	}
	return pruned, nil
}

func (b *BadgerBroker) Counts(ctx context.Context, kind string) (map[State]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := map[State]int{}
	prefix := []byte(keyPrefix + kind + ":msg:")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return err
			}
			counts[item.State]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}
	return counts, nil
}

// leased loads the item behind lease and checks the caller still holds it.
func (b *BadgerBroker) leased(txn *badger.Txn, lease *Lease) (*Item, error) {
	if lease == nil {
		return nil, ErrLeaseLost
	}
	item, err := lookup(txn, lease.Item.ID)
	if errors.Is(err, ErrItemNotFound) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, err
	}
	if item.State != StateActive || item.LeaseToken != lease.Token {
		return nil, ErrLeaseLost
	}
	return item, nil
}

// update retries optimistic transaction conflicts between concurrent consumers.
func (b *BadgerBroker) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 2 * time.Millisecond)
	}
	return err
}

func finish(txn *badger.Txn, item *Item, state State, reason string, returnValue json.RawMessage, now time.Time) error {
	item.State = state
	item.LeaseToken = ""
	item.FinishedAt = now
	if reason != "" {
		item.FailedReason = reason
	}
	if returnValue != nil {
		item.ReturnValue = returnValue
	}
	if err := putItem(txn, item); err != nil {
		return err
	}
	return txn.Set(doneKey(item.Kind, now, item.ID), nil)
}

func lookup(txn *badger.Txn, itemID string) (*Item, error) {
	ref, err := txn.Get(refKey(itemID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	kind, err := ref.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	item, err := getItem(txn, string(kind), itemID)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrItemNotFound
	}
	return item, err
}

func getItem(txn *badger.Txn, kind, id string) (*Item, error) {
	entry, err := txn.Get(msgKey(kind, id))
	if err != nil {
		return nil, err
	}
	var item Item
	if err := entry.Value(func(val []byte) error {
		return json.Unmarshal(val, &item)
	}); err != nil {
		return nil, err
	}
	return &item, nil
}

func putItem(txn *badger.Txn, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return txn.Set(msgKey(item.Kind, item.ID), data)
}

func msgKey(kind, id string) []byte {
	return []byte(keyPrefix + kind + ":msg:" + id)
}

func refKey(id string) []byte {
	return []byte(keyPrefix + "ref:" + id)
}

func indexKey(kind string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:index:%020d:%s", keyPrefix, kind, at.UnixNano(), id))
}

func doneKey(kind string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:done:%020d:%s", keyPrefix, kind, at.UnixNano(), id))
}

func parseIndexKey(prefix, key []byte) (time.Time, string, error) {
	if !bytes.HasPrefix(key, prefix) {
		return time.Time{}, "", errors.New("queue: key outside prefix")
	}
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 || suffix[20] != ':' {
		return time.Time{}, "", fmt.Errorf("queue: malformed index key %q", key)
	}
	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func contains(lines []string, line string) bool {
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}

var _ Broker = (*BadgerBroker)(nil)
