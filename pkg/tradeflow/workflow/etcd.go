package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// DefaultEtcdPrefix is the key prefix for workflow records.
const DefaultEtcdPrefix = "/tradeflow/workflows/"

// maxCASRetries bounds optimistic retries when a record changes between
// read and transaction.
const maxCASRetries = 5

// EtcdStore keeps workflow records as JSON values attached to a lease that
// expires with the retention window. Creation is a transaction on
// CreateRevision == 0; transitions are transactions on ModRevision.
type EtcdStore struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	prefix string
	clock  func() time.Time
}

// NewEtcdStore creates a store over an etcd client, which satisfies both
// kv and lease. The caller owns the client. An empty prefix selects
// DefaultEtcdPrefix; clock may be nil.
func NewEtcdStore(kv clientv3.KV, lease clientv3.Lease, prefix string, clock func() time.Time) (*EtcdStore, error) {
	if kv == nil || lease == nil {
		return nil, fmt.Errorf("workflow: etcd store needs kv and lease clients")
	}
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if clock == nil {
		clock = time.Now
	}
	return &EtcdStore{kv: kv, lease: lease, prefix: prefix, clock: clock}, nil
}

// Create implements Store.
func (s *EtcdStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	key := s.prefix + rec.CorrelationID
	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal workflow record: %w", err)
	}
	leaseID, err := s.grant(ctx, rec.ExpiresAt)
	if err != nil {
		return Record{}, false, s.unavailable("create", err)
	}

	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), clientv3.WithLease(leaseID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return Record{}, false, s.unavailable("create", err)
	}
	if resp.Succeeded {
		return rec, true, nil
	}

	// The lease granted for this call is unused.
	s.revoke(ctx, leaseID)
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		// Expired between the compare and the read.
		return Record{}, false, s.unavailable("create", fmt.Errorf("record %s vanished during create", rec.CorrelationID))
	}
	cur, err := decodeEtcdRecord(kvs[0].Value)
	if err != nil {
		return Record{}, false, s.unavailable("create", err)
	}
	return cur, false, nil
}

// CompareAndSet implements Store.
func (s *EtcdStore) CompareAndSet(ctx context.Context, id string, from State, next Record) (Record, bool, error) {
	key := s.prefix + id

	for range maxCASRetries {
		getResp, err := s.kv.Get(ctx, key)
		if err != nil {
			return Record{}, false, s.unavailable("compare_and_set", err)
		}
		if len(getResp.Kvs) == 0 {
			return Record{}, false, nil
		}
		kv := getResp.Kvs[0]
		cur, err := decodeEtcdRecord(kv.Value)
		if err != nil {
			return Record{}, false, s.unavailable("compare_and_set", err)
		}
		if cur.Expired(s.clock()) {
			return Record{}, false, nil
		}
		if cur.State != from {
			return cur, false, nil
		}

		updated := cur
		updated.State = next.State
		updated.Reason = next.Reason
		updated.LastTransitionAt = next.LastTransitionAt
		updated.ExpiresAt = next.ExpiresAt
		val, err := json.Marshal(updated)
		if err != nil {
			return Record{}, false, fmt.Errorf("marshal workflow record: %w", err)
		}
		leaseID, err := s.grant(ctx, updated.ExpiresAt)
		if err != nil {
			return Record{}, false, s.unavailable("compare_and_set", err)
		}

		txn, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(val), clientv3.WithLease(leaseID))).
			Commit()
		if err != nil {
			return Record{}, false, s.unavailable("compare_and_set", err)
		}
		if txn.Succeeded {
			return updated, true, nil
		}
		s.revoke(ctx, leaseID)
	}

	return Record{}, false, s.unavailable("compare_and_set",
		fmt.Errorf("record %s kept changing after %d attempts", id, maxCASRetries))
}

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, id string) (Record, bool, error) {
	resp, err := s.kv.Get(ctx, s.prefix+id)
	if err != nil {
		return Record{}, false, s.unavailable("get", err)
	}
	if len(resp.Kvs) == 0 {
		return Record{}, false, nil
	}
	rec, err := decodeEtcdRecord(resp.Kvs[0].Value)
	if err != nil {
		return Record{}, false, s.unavailable("get", err)
	}
	if rec.Expired(s.clock()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Close implements Store. The client is owned by the caller.
func (s *EtcdStore) Close() error {
	return nil
}

// grant creates a lease that outlives expiresAt by less than a second.
func (s *EtcdStore) grant(ctx context.Context, expiresAt time.Time) (clientv3.LeaseID, error) {
	ttl := int64(expiresAt.Sub(s.clock()).Seconds()) + 1
	if ttl < 1 {
		ttl = 1
	}
	resp, err := s.lease.Grant(ctx, ttl)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("grant lease: %w", err)
	}
	return resp.ID, nil
}

func (s *EtcdStore) revoke(ctx context.Context, id clientv3.LeaseID) {
	// Best effort: an orphaned lease expires on its own.
	_, _ = s.lease.Revoke(ctx, id)
}

func (s *EtcdStore) unavailable(op string, err error) error {
	return tferrors.StoreUnavailable("workflow.etcd", op, err)
}

func decodeEtcdRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode workflow record: %w", err)
	}
	return rec, nil
}
