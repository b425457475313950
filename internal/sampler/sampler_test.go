package sampler

import (
	"strings"
	"testing"
)

func TestEvenIndicesSpansVideo(t *testing.T) {
	indices := EvenIndices(100, 5)
	want := []int{0, 25, 50, 74, 99}
	if len(indices) != len(want) {
		t.Fatalf("expected %d indices, got %v", len(want), indices)
	}
	if indices[0] != 0 || indices[len(indices)-1] != 99 {
		t.Fatalf("first and last frame must be included: %v", indices)
	}
	for i := 1; i < len(indices); i++ {
		if indices[i] <= indices[i-1] {
			t.Fatalf("indices must be strictly increasing: %v", indices)
		}
	}
}

func TestEvenIndicesShortVideo(t *testing.T) {
	indices := EvenIndices(3, 16)
	if len(indices) != 3 {
		t.Fatalf("expected all 3 frames of a short video, got %v", indices)
	}
	for i, index := range indices {
		if index != i {
			t.Fatalf("short videos should select every frame: %v", indices)
		}
	}
}

func TestEvenIndicesSingleFrame(t *testing.T) {
	if got := EvenIndices(500, 1); len(got) != 1 || got[0] != 0 {
		t.Fatalf("single sample should be frame 0, got %v", got)
	}
}

func TestEvenIndicesDegenerate(t *testing.T) {
	if got := EvenIndices(0, 16); got != nil {
		t.Fatalf("zero-frame video should yield nil, got %v", got)
	}
	if got := EvenIndices(10, 0); got != nil {
		t.Fatalf("zero-count request should yield nil, got %v", got)
	}
}

func TestEvenIndicesCollapsesDuplicates(t *testing.T) {
	indices := EvenIndices(4, 3)
	seen := map[int]struct{}{}
	for _, index := range indices {
		if _, dup := seen[index]; dup {
			t.Fatalf("duplicate index in %v", indices)
		}
		seen[index] = struct{}{}
	}
}

func TestSelectFilter(t *testing.T) {
	filter := selectFilter([]int{0, 7, 42})
	if !strings.HasPrefix(filter, "select='") || !strings.HasSuffix(filter, "'") {
		t.Fatalf("malformed filter: %s", filter)
	}
	for _, term := range []string{`eq(n\,0)`, `eq(n\,7)`, `eq(n\,42)`} {
		if !strings.Contains(filter, term) {
			t.Fatalf("filter missing %s: %s", term, filter)
		}
	}
	if strings.Count(filter, "+") != 2 {
		t.Fatalf("expected two joins in %s", filter)
	}
}
