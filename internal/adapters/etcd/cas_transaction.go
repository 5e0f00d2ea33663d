package etcd

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type CasResult struct {
	Applied bool
	// Revision is the store revision after the transaction, applied or not.
	Revision int64
}

// compareAndSwap writes newValue to key only if the key still sits at expectedModRevision.
// A zero expectedModRevision means the key must not exist yet; otherwise the current value
// must also equal expectedValue.
func compareAndSwap(
	ctx context.Context,
	kv clientv3.KV,
	key string,
	expectedModRevision int64,
	expectedValue string,
	newValue string,
	thenOps ...clientv3.Op,
) (CasResult, error) {
	ops := make([]clientv3.Op, 0, len(thenOps)+1)
	ops = append(ops, clientv3.OpPut(key, newValue))
	ops = append(ops, thenOps...)

	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", expectedModRevision)}
	if expectedModRevision > 0 {
		cmps = append(cmps, clientv3.Compare(clientv3.Value(key), "=", expectedValue))
	}

	resp, err := kv.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return CasResult{}, err
	}
	return CasResult{Applied: resp.Succeeded, Revision: resp.Header.GetRevision()}, nil
}
