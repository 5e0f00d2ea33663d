package etcd

import (
	"bytes"
	"context"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeEtcd is an in-memory KV, Watcher and lease granter with etcd revision semantics.
type fakeEtcd struct {
	mu        sync.Mutex
	revision  int64
	kvs       map[string]*mvccpb.KeyValue
	grants    []int64
	watchRevs []int64
	commits   int

	// beforeCommit runs ahead of every transaction, outside the lock, so a test can land a
	// competing write between a read and the compare-and-swap that follows it.
	beforeCommit func()
	events       chan clientv3.WatchResponse
}

var (
	_ clientv3.KV = (*fakeEtcd)(nil)
	_ KVWatcher   = (*fakeEtcd)(nil)
	_ LeaseKV     = (*fakeEtcd)(nil)
)

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		kvs:    make(map[string]*mvccpb.KeyValue),
		events: make(chan clientv3.WatchResponse, 16),
	}
}

func (f *fakeEtcd) header() *pb.ResponseHeader {
	return &pb.ResponseHeader{Revision: f.revision}
}

func (f *fakeEtcd) putLocked(key, value string) {
	f.revision++
	kv, ok := f.kvs[key]
	if !ok {
		kv = &mvccpb.KeyValue{Key: []byte(key), CreateRevision: f.revision}
		f.kvs[key] = kv
	}
	kv.Value = []byte(value)
	kv.ModRevision = f.revision
	kv.Version++
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, val)
	return &clientv3.PutResponse{Header: f.header()}, nil
}

func (f *fakeEtcd) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	op := clientv3.OpGet(key, opts...)
	end := string(op.RangeBytes())

	f.mu.Lock()
	defer f.mu.Unlock()
	var kvs []*mvccpb.KeyValue
	for k, kv := range f.kvs {
		if k == key || (end != "" && k >= key && k < end) {
			kvs = append(kvs, &mvccpb.KeyValue{
				Key:            append([]byte(nil), kv.Key...),
				Value:          append([]byte(nil), kv.Value...),
				CreateRevision: kv.CreateRevision,
				ModRevision:    kv.ModRevision,
				Version:        kv.Version,
			})
		}
	}
	return &clientv3.GetResponse{Header: f.header(), Kvs: kvs, Count: int64(len(kvs))}, nil
}

func (f *fakeEtcd) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	if _, ok := f.kvs[key]; ok {
		f.revision++
		delete(f.kvs, key)
		deleted = 1
	}
	return &clientv3.DeleteResponse{Header: f.header(), Deleted: deleted}, nil
}

func (f *fakeEtcd) Compact(_ context.Context, _ int64, _ ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	return &clientv3.CompactResponse{}, nil
}

func (f *fakeEtcd) Do(_ context.Context, _ clientv3.Op) (clientv3.OpResponse, error) {
	return clientv3.OpResponse{}, nil
}

func (f *fakeEtcd) Txn(_ context.Context) clientv3.Txn {
	return &fakeTxn{etcd: f}
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, ttl)
	return &clientv3.LeaseGrantResponse{ID: clientv3.LeaseID(len(f.grants)), TTL: ttl}, nil
}

func (f *fakeEtcd) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	f.mu.Lock()
	f.watchRevs = append(f.watchRevs, clientv3.OpGet(key, opts...).Rev())
	f.mu.Unlock()

	out := make(chan clientv3.WatchResponse)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp := <-f.events:
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeEtcd) RequestProgress(context.Context) error { return nil }

func (f *fakeEtcd) Close() error { return nil }

// send queues one watch response carrying a single event.
func (f *fakeEtcd) send(eventType mvccpb.Event_EventType, key, value string) {
	f.events <- clientv3.WatchResponse{
		Events: []*clientv3.Event{{
			Type: eventType,
			Kv:   &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)},
		}},
	}
}

func (f *fakeEtcd) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kv, ok := f.kvs[key]
	if !ok {
		return "", false
	}
	return string(kv.Value), true
}

func (f *fakeEtcd) matchesLocked(cmp clientv3.Cmp) bool {
	if cmp.Result != pb.Compare_EQUAL {
		return false
	}
	current := f.kvs[string(cmp.KeyBytes())]
	switch target := cmp.TargetUnion.(type) {
	case *pb.Compare_ModRevision:
		var rev int64
		if current != nil {
			rev = current.ModRevision
		}
		return rev == target.ModRevision
	case *pb.Compare_CreateRevision:
		var rev int64
		if current != nil {
			rev = current.CreateRevision
		}
		return rev == target.CreateRevision
	case *pb.Compare_Value:
		return current != nil && bytes.Equal(current.Value, target.Value)
	}
	return false
}

type fakeTxn struct {
	etcd    *fakeEtcd
	cmps    []clientv3.Cmp
	thenOps []clientv3.Op
	elseOps []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thenOps = append(t.thenOps, ops...)
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elseOps = append(t.elseOps, ops...)
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	if hook := t.etcd.beforeCommit; hook != nil {
		hook()
	}

	f := t.etcd
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++

	succeeded := true
	for _, cmp := range t.cmps {
		if !f.matchesLocked(cmp) {
			succeeded = false
			break
		}
	}
	ops := t.elseOps
	if succeeded {
		ops = t.thenOps
	}
	for _, op := range ops {
		if op.IsPut() {
			f.putLocked(string(op.KeyBytes()), string(op.ValueBytes()))
		}
	}
	return &clientv3.TxnResponse{Header: f.header(), Succeeded: succeeded}, nil
}
