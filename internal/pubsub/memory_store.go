package pubsub

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type nodeKey struct {
	host string
	path string
}

type stateKey struct {
	jid string
	idx int64
}

// MemoryStore 内存节点库，测试与单机部署使用
type MemoryStore struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	nodes map[nodeKey]*Node
	byIdx map[int64]*Node
	state map[stateKey]*StateRecord
	items map[int64][]*Item // 新者在前
	alloc *NodeIndexAllocator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[nodeKey]*Node),
		byIdx: make(map[int64]*Node),
		state: make(map[stateKey]*StateRecord),
		items: make(map[int64][]*Item),
		alloc: NewNodeIndexAllocator(),
	}
}

// Transaction 以外层互斥串行化事务
func (ms *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ms.txMu.Lock()
	defer ms.txMu.Unlock()
	return fn(ctx)
}

func (ms *MemoryStore) SyncDirty(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (ms *MemoryStore) UpsertNode(_ context.Context, node *Node) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *node
	ms.nodes[nodeKey{node.Host, node.Path}] = &cp
	ms.byIdx[node.Idx] = &cp
	return nil
}

func (ms *MemoryStore) FetchNode(_ context.Context, host, path string) (*Node, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	node, ok := ms.nodes[nodeKey{host, path}]
	if !ok {
		return nil, ErrNodeNotFound
	}
	cp := *node
	return &cp, nil
}

func (ms *MemoryStore) FetchNodeByIdx(_ context.Context, idx int64) (*Node, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	node, ok := ms.byIdx[idx]
	if !ok {
		return nil, ErrNodeNotFound
	}
	cp := *node
	return &cp, nil
}

func (ms *MemoryStore) FetchNodes(_ context.Context, host string) ([]*Node, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var nodes []*Node
	for key, node := range ms.nodes {
		if key.host == host {
			cp := *node
			nodes = append(nodes, &cp)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

func (ms *MemoryStore) FetchChildNodes(_ context.Context, host, parentPath string) ([]*Node, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var nodes []*Node
	for key, node := range ms.nodes {
		if key.host != host {
			continue
		}
		for _, p := range node.Parents {
			if p == parentPath {
				cp := *node
				nodes = append(nodes, &cp)
				break
			}
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

func (ms *MemoryStore) DeleteNode(_ context.Context, host, path string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	node, ok := ms.nodes[nodeKey{host, path}]
	if !ok {
		return ErrNodeNotFound
	}
	delete(ms.nodes, nodeKey{host, path})
	delete(ms.byIdx, node.Idx)
	return nil
}

func (ms *MemoryStore) AllocateNodeIdx(_ context.Context) (int64, error) {
	return ms.alloc.Next(), nil
}

func (ms *MemoryStore) ReleaseNodeIdx(_ context.Context, idx int64) error {
	ms.alloc.Release(idx)
	return nil
}

func (ms *MemoryStore) UpsertState(_ context.Context, rec *StateRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *rec
	cp.Subscriptions = append([]Subscription(nil), rec.Subscriptions...)
	ms.state[stateKey{rec.JID, rec.NodeIdx}] = &cp
	return nil
}

func (ms *MemoryStore) FetchState(_ context.Context, jid string, idx int64) (*StateRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.state[stateKey{jid, idx}]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := *rec
	cp.Subscriptions = append([]Subscription(nil), rec.Subscriptions...)
	return &cp, nil
}

func (ms *MemoryStore) FetchStates(_ context.Context, idx int64) ([]*StateRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var recs []*StateRecord
	for key, rec := range ms.state {
		if key.idx == idx {
			cp := *rec
			cp.Subscriptions = append([]Subscription(nil), rec.Subscriptions...)
			recs = append(recs, &cp)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].JID < recs[j].JID })
	return recs, nil
}

func (ms *MemoryStore) FetchStatesByJID(_ context.Context, jid string) ([]*StateRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var recs []*StateRecord
	for key, rec := range ms.state {
		if key.jid == jid || strings.HasPrefix(key.jid, jid+"/") {
			cp := *rec
			cp.Subscriptions = append([]Subscription(nil), rec.Subscriptions...)
			recs = append(recs, &cp)
		}
	}
	return recs, nil
}

func (ms *MemoryStore) DeleteState(_ context.Context, jid string, idx int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.state, stateKey{jid, idx})
	return nil
}

func (ms *MemoryStore) DeleteStates(_ context.Context, idx int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for key := range ms.state {
		if key.idx == idx {
			delete(ms.state, key)
		}
	}
	return nil
}

func (ms *MemoryStore) UpsertItem(_ context.Context, item *Item) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *item
	items := ms.items[item.NodeIdx]
	for i, existing := range items {
		if existing.ID == item.ID {
			// 更新即重新发布：移到队首
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	ms.items[item.NodeIdx] = append([]*Item{&cp}, items...)
	return nil
}

func (ms *MemoryStore) FetchItem(_ context.Context, idx int64, itemID string) (*Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, item := range ms.items[idx] {
		if item.ID == itemID {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

func (ms *MemoryStore) FetchItems(_ context.Context, idx int64) ([]*Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	items := make([]*Item, 0, len(ms.items[idx]))
	for _, item := range ms.items[idx] {
		cp := *item
		items = append(items, &cp)
	}
	return items, nil
}

func (ms *MemoryStore) CountItems(_ context.Context, idx int64) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.items[idx]), nil
}

func (ms *MemoryStore) DeleteItem(_ context.Context, idx int64, itemID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	items := ms.items[idx]
	for i, item := range items {
		if item.ID == itemID {
			ms.items[idx] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

func (ms *MemoryStore) DeleteItems(_ context.Context, idx int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.items, idx)
	return nil
}
