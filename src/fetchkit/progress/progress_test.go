package progress

import (
	"errors"
	"testing"
)

func TestProgress_Fraction(t *testing.T) {
	if got := (Progress{}).Fraction(); got != 0 {
		t.Errorf("zero progress fraction = %v", got)
	}
	if got := (Progress{TotalUnits: 200, CompletedUnits: 50}).Fraction(); got != 0.25 {
		t.Errorf("fraction = %v, want 0.25", got)
	}
	if got := (Progress{TotalUnits: 10, CompletedUnits: 20}).Fraction(); got != 1 {
		t.Errorf("overshoot fraction = %v, want 1", got)
	}
}

func TestNode_TotalsSumItems(t *testing.T) {
	n := NewNode([]string{"a", "b"}, map[string]Progress{
		"a": {TotalUnits: 100, CompletedUnits: 10},
		"b": {TotalUnits: 50, CompletedUnits: 50},
	}, false)

	got := n.Totals()
	if got.TotalUnits != 150 || got.CompletedUnits != 60 {
		t.Errorf("totals = %+v", got)
	}
}

func TestNode_ByteUnitsReserveMoveBudget(t *testing.T) {
	n := NewNode([]string{"a", "b"}, map[string]Progress{
		"a": {TotalUnits: 100},
		"b": {TotalUnits: 50},
	}, true)

	got := n.Totals()
	if got.TotalUnits != 152 {
		t.Errorf("byte-unit total = %d, want 152 (+1 per item)", got.TotalUnits)
	}

	// Completing credits the reserved unit so the node can reach 100%.
	n.Update("a", Progress{TotalUnits: 100, CompletedUnits: 100})
	n.Update("b", Progress{TotalUnits: 50, CompletedUnits: 50})
	n.Complete("a", nil)
	n.Complete("b", nil)
	got = n.Totals()
	if got.CompletedUnits != got.TotalUnits {
		t.Errorf("completed node not at 100%%: %+v", got)
	}
}

func TestNode_RetryResetsCompleted(t *testing.T) {
	n := NewNode([]string{"a"}, map[string]Progress{
		"a": {TotalUnits: 100, CompletedUnits: 80},
	}, false)

	n.Retry("a", Progress{TotalUnits: 120})

	got := n.Totals()
	if got.CompletedUnits != 0 {
		t.Errorf("retry kept completed units: %+v", got)
	}
	if got.TotalUnits != 120 {
		t.Errorf("retry did not replace the inner total: %+v", got)
	}
}

func TestNode_CompleteWithErrorKeepsPartial(t *testing.T) {
	n := NewNode([]string{"a"}, map[string]Progress{
		"a": {TotalUnits: 100, CompletedUnits: 30},
	}, false)

	failure := errors.New("boom")
	n.Complete("a", failure)

	if got := n.Totals(); got.CompletedUnits != 30 {
		t.Errorf("failed item should keep partial count: %+v", got)
	}
	if !errors.Is(n.Err("a"), failure) {
		t.Errorf("recorded error = %v", n.Err("a"))
	}
}

func TestNode_UpdateAfterCompleteIgnored(t *testing.T) {
	n := NewNode([]string{"a"}, map[string]Progress{"a": {TotalUnits: 10}}, false)
	n.Complete("a", nil)
	n.Update("a", Progress{TotalUnits: 10, CompletedUnits: 1})

	if got := n.Totals(); got.CompletedUnits != 10 {
		t.Errorf("update after completion changed state: %+v", got)
	}
}

func TestAggregator_MemoizesByGroupKey(t *testing.T) {
	a := NewAggregator()
	n1 := a.NodeFor("batch", []string{"a"}, map[string]Progress{"a": {TotalUnits: 10}}, false)
	n2 := a.NodeFor("batch", []string{"a"}, nil, false)
	if n1 != n2 {
		t.Error("same group key returned different nodes")
	}
}

func TestAggregator_MergesOverlappingGroups(t *testing.T) {
	a := NewAggregator()
	n1 := a.NodeFor("g1", []string{"a", "b"}, map[string]Progress{
		"a": {TotalUnits: 10},
		"b": {TotalUnits: 10},
	}, false)
	n2 := a.NodeFor("g2", []string{"b", "c"}, map[string]Progress{
		"b": {TotalUnits: 99, CompletedUnits: 5}, // right-biased for shared ids
		"c": {TotalUnits: 10},
	}, false)

	if n1 != n2 {
		t.Fatal("overlapping groups should resolve to one merged node")
	}

	ids := n1.IDs()
	if len(ids) != 3 {
		t.Errorf("merged node tracks %d ids, want 3", len(ids))
	}

	got := n1.Totals()
	if got.TotalUnits != 10+99+10 {
		t.Errorf("shared id not right-biased: %+v", got)
	}
}

func TestAggregator_RoutesUpdatesToTrackingNodes(t *testing.T) {
	a := NewAggregator()
	n := a.NodeFor("g", []string{"a"}, map[string]Progress{"a": {TotalUnits: 10}}, false)

	a.Update("a", Progress{TotalUnits: 10, CompletedUnits: 4})
	if got := n.Totals(); got.CompletedUnits != 4 {
		t.Errorf("update not routed: %+v", got)
	}

	a.Complete("a", nil)
	if got := n.Totals(); got.CompletedUnits != 10 {
		t.Errorf("complete not routed: %+v", got)
	}
}
