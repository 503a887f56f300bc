package resolver

import (
	"math/rand"
	"testing"
)

func TestSortSRVSeedZero(t *testing.T) {
	entries := []SRVEntry{
		{Priority: 10, Weight: 0, Port: 5269, Target: "a.example."},
		{Priority: 10, Weight: 5, Port: 5269, Target: "b.example."},
		{Priority: 20, Weight: 0, Port: 5269, Target: "c.example."},
	}

	sorted := SortSRV(entries, rand.New(rand.NewSource(0)))

	if len(sorted) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(sorted))
	}
	if sorted[2].Target != "c.example." {
		t.Errorf("priority 20 entry must sort last, got order %v", targets(sorted))
	}
	seen := map[string]bool{}
	for _, e := range sorted[:2] {
		seen[e.Target] = true
	}
	if !seen["a.example."] || !seen["b.example."] {
		t.Errorf("priority 10 entries must precede priority 20, got %v", targets(sorted))
	}
}

func TestSortSRVZeroWeightKey(t *testing.T) {
	// 权重为零的记录不参与随机扰动，key恒为 priority*65536，
	// 因此同优先级下有权重的记录总排在零权重记录之前
	entries := []SRVEntry{
		{Priority: 10, Weight: 0, Port: 5269, Target: "zero.example."},
		{Priority: 10, Weight: 100, Port: 5269, Target: "heavy.example."},
	}
	for seed := int64(0); seed < 20; seed++ {
		sorted := SortSRV(entries, rand.New(rand.NewSource(seed)))
		if sorted[len(sorted)-1].Target != "zero.example." {
			t.Fatalf("seed %d: zero-weight entry must sort after weighted entry, got %v", seed, targets(sorted))
		}
	}
}

func TestSortSRVStableAcrossPriorities(t *testing.T) {
	entries := []SRVEntry{
		{Priority: 30, Target: "z.example."},
		{Priority: 5, Target: "a.example."},
		{Priority: 20, Target: "m.example."},
	}
	sorted := SortSRV(entries, rand.New(rand.NewSource(1)))
	want := []string{"a.example.", "m.example.", "z.example."}
	for i, e := range sorted {
		if e.Target != want[i] {
			t.Fatalf("expected order %v, got %v", want, targets(sorted))
		}
	}
}

func targets(entries []SRVEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Target)
	}
	return out
}
