package pubsub

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var nodeCacheSize = 256

// CachedStore 在节点库之上加一层按路径/序号的节点缓存。
// 节点读取是每个请求的必经路径，未命中才落库；任何节点
// 写入都先使对应缓存项失效
type CachedStore struct {
	Store
	cache *expirable.LRU[string, *Node]
}

func NewCachedStore(inner Store) *CachedStore {
	return &CachedStore{
		Store: inner,
		cache: expirable.NewLRU[string, *Node](nodeCacheSize, nil, time.Hour),
	}
}

func nodePathKey(host, path string) string {
	return host + "|" + path
}

func nodeIdxKey(idx int64) string {
	return "#" + strconv.FormatInt(idx, 10)
}

func copyNode(node *Node) *Node {
	cp := *node
	cp.Parents = append([]string(nil), node.Parents...)
	cp.Owners = append([]string(nil), node.Owners...)
	return &cp
}

func (cs *CachedStore) FetchNode(ctx context.Context, host, path string) (*Node, error) {
	if node, ok := cs.cache.Get(nodePathKey(host, path)); ok {
		return copyNode(node), nil
	}
	node, err := cs.Store.FetchNode(ctx, host, path)
	if err != nil {
		return nil, err
	}
	cp := copyNode(node)
	cs.cache.Add(nodePathKey(host, path), cp)
	cs.cache.Add(nodeIdxKey(node.Idx), cp)
	return node, nil
}

func (cs *CachedStore) FetchNodeByIdx(ctx context.Context, idx int64) (*Node, error) {
	if node, ok := cs.cache.Get(nodeIdxKey(idx)); ok {
		return copyNode(node), nil
	}
	node, err := cs.Store.FetchNodeByIdx(ctx, idx)
	if err != nil {
		return nil, err
	}
	cp := copyNode(node)
	cs.cache.Add(nodePathKey(node.Host, node.Path), cp)
	cs.cache.Add(nodeIdxKey(idx), cp)
	return node, nil
}

func (cs *CachedStore) UpsertNode(ctx context.Context, node *Node) error {
	cs.cache.Remove(nodePathKey(node.Host, node.Path))
	cs.cache.Remove(nodeIdxKey(node.Idx))
	return cs.Store.UpsertNode(ctx, node)
}

func (cs *CachedStore) DeleteNode(ctx context.Context, host, path string) error {
	if node, ok := cs.cache.Get(nodePathKey(host, path)); ok {
		cs.cache.Remove(nodeIdxKey(node.Idx))
	}
	cs.cache.Remove(nodePathKey(host, path))
	return cs.Store.DeleteNode(ctx, host, path)
}
