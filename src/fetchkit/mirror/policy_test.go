package mirror

import (
	"errors"
	"strings"
	"testing"

	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// fakeMaterializer accepts http locations only.
type fakeMaterializer struct{}

func (fakeMaterializer) CanMaterialize(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func (fakeMaterializer) Materialize(resourceID string, m resource.Mirror) (*resource.Downloadable, error) {
	return resource.NewDownloadable(resourceID, m), nil
}

func weighted(id, location string, weight int) resource.Mirror {
	return resource.Mirror{
		ID:       id,
		Location: location,
		Info:     map[string]interface{}{resource.WeightKey: weight},
	}
}

func testResource(alternatives ...resource.Mirror) *resource.ResourceFile {
	return &resource.ResourceFile{
		ID:           "res-1",
		Main:         resource.Mirror{ID: "main", Location: "http://main.example/file"},
		Alternatives: alternatives,
	}
}

func TestWeightedPolicy_OrderedSortsByWeightMainLast(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, DefaultConfig())
	res := testResource(
		weighted("m-low", "http://low.example/f", 1),
		weighted("m-high", "http://high.example/f", 10),
		weighted("m-mid", "http://mid.example/f", 5),
	)

	ordered := p.Ordered(res)
	want := []string{"m-high", "m-mid", "m-low", "main"}
	if len(ordered) != len(want) {
		t.Fatalf("expected %d mirrors, got %d", len(want), len(ordered))
	}
	for i, id := range want {
		if ordered[i].ID != id {
			t.Errorf("position %d: got %q, want %q", i, ordered[i].ID, id)
		}
	}
}

func TestWeightedPolicy_TiesKeepInsertionOrder(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, DefaultConfig())
	res := testResource(
		weighted("first", "http://a.example/f", 3),
		weighted("second", "http://b.example/f", 3),
	)

	ordered := p.Ordered(res)
	if ordered[0].ID != "first" || ordered[1].ID != "second" {
		t.Errorf("stable sort violated: got %q, %q", ordered[0].ID, ordered[1].ID)
	}
}

func TestWeightedPolicy_FirstSelection(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, DefaultConfig())
	res := testResource(weighted("m1", "http://a.example/f", 10))

	sel, err := p.Next(res, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel == nil {
		t.Fatal("expected a selection")
	}
	if sel.Mirror.ID != "m1" {
		t.Errorf("expected m1, got %q", sel.Mirror.ID)
	}
	if sel.Downloadable == nil {
		t.Fatal("selection has no downloadable")
	}
	if sel.Downloadable.ResourceID() != "res-1" {
		t.Errorf("downloadable bound to %q", sel.Downloadable.ResourceID())
	}
}

func TestWeightedPolicy_AdvancesPastFailedMirror(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, DefaultConfig())
	res := testResource(
		weighted("m1", "http://a.example/f", 10),
		weighted("m2", "http://b.example/f", 1),
	)

	sel, err := p.Next(res, "m1", errors.New("boom"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Mirror.ID != "m2" {
		t.Errorf("expected m2 after m1 failed, got %q", sel.Mirror.ID)
	}
}

func TestWeightedPolicy_UnknownSchemeSkippedWithoutBudget(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, DefaultConfig())
	res := testResource(
		weighted("m-ftp", "ftp://old.example/f", 100),
		weighted("m-http", "http://a.example/f", 1),
	)

	sel, err := p.Next(res, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Mirror.ID != "m-http" {
		t.Errorf("expected unknown scheme skipped, got %q", sel.Mirror.ID)
	}
	if got := p.Attempts("res-1", "m-ftp"); got != 0 {
		t.Errorf("skipped mirror consumed budget: %d", got)
	}
}

func TestWeightedPolicy_ClampsToLastMirror(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, DefaultConfig())
	res := testResource(weighted("m1", "http://a.example/f", 10))

	// main is the last mirror; failing it clamps back onto main.
	sel, err := p.Next(res, "main", errors.New("boom"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel == nil {
		t.Fatal("expected clamped selection")
	}
	if sel.Mirror.ID != "main" {
		t.Errorf("expected clamp to main, got %q", sel.Mirror.ID)
	}
}

func TestWeightedPolicy_BudgetExhaustion(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, Config{RetryBudget: 2})
	res := testResource()

	for i := 0; i < 2; i++ {
		sel, err := p.Next(res, "main", errors.New("boom"))
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
		if sel == nil {
			t.Fatalf("attempt %d: budget spent too early", i)
		}
	}

	sel, err := p.Next(res, "main", errors.New("boom"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel != nil {
		t.Error("expected exhausted policy to return no selection")
	}
}

func TestWeightedPolicy_NeverExceedsBudgetPerMirror(t *testing.T) {
	budget := 3
	p := NewWeightedPolicy(fakeMaterializer{}, Config{RetryBudget: budget})
	res := testResource(
		weighted("m1", "http://a.example/f", 10),
		weighted("m2", "http://b.example/f", 5),
	)

	counts := map[string]int{}
	prev := ""
	for i := 0; i < 50; i++ {
		sel, err := p.Next(res, prev, errors.New("boom"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sel == nil {
			break
		}
		counts[sel.Mirror.ID]++
		prev = sel.Mirror.ID
	}

	for id, n := range counts {
		if n > budget {
			t.Errorf("mirror %q selected %d times, budget %d", id, n, budget)
		}
	}
}

func TestWeightedPolicy_DownloadCompleteClearsCounters(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, Config{RetryBudget: 1})
	res := testResource()

	if sel, _ := p.Next(res, "", nil); sel == nil {
		t.Fatal("expected first selection")
	}
	if sel, _ := p.Next(res, "main", errors.New("boom")); sel != nil {
		t.Fatal("expected budget spent")
	}

	p.DownloadComplete("res-1")

	if sel, _ := p.Next(res, "", nil); sel == nil {
		t.Error("expected counters cleared after completion")
	}
}

func TestWeightedPolicy_NoMaterializableMirrors(t *testing.T) {
	p := NewWeightedPolicy(fakeMaterializer{}, DefaultConfig())
	res := &resource.ResourceFile{
		ID:   "res-2",
		Main: resource.Mirror{ID: "main", Location: "gopher://old.example/f"},
	}

	if _, err := p.Next(res, "", nil); err == nil {
		t.Error("expected error when no mirror can be materialized")
	}
}
