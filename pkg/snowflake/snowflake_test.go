package snowflake

import (
	"sync"
	"testing"
)

func TestNewNodeRange(t *testing.T) {
	if _, err := NewNode(-1); err == nil {
		t.Error("expected error for node -1")
	}
	if _, err := NewNode(1024); err == nil {
		t.Error("expected error for node 1024")
	}
	if _, err := NewNode(0); err != nil {
		t.Errorf("node 0: %v", err)
	}
	if _, err := NewNode(1023); err != nil {
		t.Errorf("node 1023: %v", err)
	}
}

func TestGenerateMonotonic(t *testing.T) {
	node, err := NewNode(1)
	if err != nil {
		t.Fatal(err)
	}

	prev := node.Generate()
	for i := 0; i < 100000; i++ {
		id := node.Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d (iteration %d)", id, prev, i)
		}
		prev = id
	}
}

func TestGenerateUniqueConcurrent(t *testing.T) {
	node, err := NewNode(2)
	if err != nil {
		t.Fatal(err)
	}

	const workers = 8
	const perWorker = 10000

	var wg sync.WaitGroup
	results := make([][]int64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, node.Generate())
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, workers*perWorker)
	for _, ids := range results {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate id %d", id)
			}
			seen[id] = struct{}{}
		}
	}
}
