package pubsub

import (
	"context"
	"testing"
)

// countingStore 统计落到底层库的节点查询次数
type countingStore struct {
	Store
	fetches int
}

func (cs *countingStore) FetchNode(ctx context.Context, host, path string) (*Node, error) {
	cs.fetches++
	return cs.Store.FetchNode(ctx, host, path)
}

func (cs *countingStore) FetchNodeByIdx(ctx context.Context, idx int64) (*Node, error) {
	cs.fetches++
	return cs.Store.FetchNodeByIdx(ctx, idx)
}

func TestCachedStoreHitsAndInvalidation(t *testing.T) {
	inner := &countingStore{Store: NewMemoryStore()}
	store := NewCachedStore(inner)
	ctx := context.Background()

	node := &Node{Host: "pubsub.a.example", Path: "/tests", Idx: 9, Type: "flat"}
	if err := store.UpsertNode(ctx, node); err != nil {
		t.Fatal(err)
	}

	if _, err := store.FetchNode(ctx, "pubsub.a.example", "/tests"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FetchNode(ctx, "pubsub.a.example", "/tests"); err != nil {
		t.Fatal(err)
	}
	if inner.fetches != 1 {
		t.Fatalf("second fetch must be served from cache, underlying fetches=%d", inner.fetches)
	}

	// 按路径命中后按序号也命中
	if _, err := store.FetchNodeByIdx(ctx, 9); err != nil {
		t.Fatal(err)
	}
	if inner.fetches != 1 {
		t.Fatalf("idx fetch must be served from cache, underlying fetches=%d", inner.fetches)
	}

	// 写入使缓存失效，下一次读取重新落库
	node.Options.Title = "renamed"
	if err := store.UpsertNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	got, err := store.FetchNode(ctx, "pubsub.a.example", "/tests")
	if err != nil {
		t.Fatal(err)
	}
	if inner.fetches != 2 {
		t.Fatalf("fetch after upsert must go to the store, underlying fetches=%d", inner.fetches)
	}
	if got.Options.Title != "renamed" {
		t.Fatal("fetch after upsert must see the new value")
	}

	// 缓存返回副本，调用方修改不得污染缓存
	got.Options.Title = "scribbled"
	again, _ := store.FetchNode(ctx, "pubsub.a.example", "/tests")
	if again.Options.Title != "renamed" {
		t.Fatal("cached node must be returned as a copy")
	}

	if err := store.DeleteNode(ctx, "pubsub.a.example", "/tests"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FetchNode(ctx, "pubsub.a.example", "/tests"); err == nil {
		t.Fatal("deleted node must not linger in the cache")
	}
	if _, err := store.FetchNodeByIdx(ctx, 9); err == nil {
		t.Fatal("deleted node must not linger in the idx cache")
	}
}
