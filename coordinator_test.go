package main

import (
	"context"
	"testing"
)

func TestPickNextTable_LowestCompletenessFirst(t *testing.T) {
	a := &Table{Ref: TableRef{Name: "a"}, Selected: true, targetRowCount: 10, copiedCount: 8}
	b := &Table{Ref: TableRef{Name: "b"}, Selected: true, targetRowCount: 10, copiedCount: 2}
	c := &Coordinator{model: &SchemaModel{Tables: []*Table{a, b}}, saturated: map[TableRef]bool{}}

	got := c.pickNextTable()
	if got != b {
		t.Errorf("pickNextTable() = %v, want %v (lowest completeness score)", got.Ref, b.Ref)
	}
}

func TestPickNextTable_SkipsSaturatedAndMet(t *testing.T) {
	met := &Table{Ref: TableRef{Name: "met"}, Selected: true, targetRowCount: 10, copiedCount: 10}
	saturated := &Table{Ref: TableRef{Name: "saturated"}, Selected: true, targetRowCount: 10, copiedCount: 1}
	unselected := &Table{Ref: TableRef{Name: "unselected"}, Selected: false, targetRowCount: 10}
	c := &Coordinator{
		model:     &SchemaModel{Tables: []*Table{met, saturated, unselected}},
		saturated: map[TableRef]bool{saturated.Ref: true},
	}

	if got := c.pickNextTable(); got != nil {
		t.Errorf("pickNextTable() = %v, want nil (all candidates met, saturated, or unselected)", got.Ref)
	}
}

func TestPickNextTable_TieBrokenByName(t *testing.T) {
	z := &Table{Ref: TableRef{Name: "zzz"}, Selected: true, targetRowCount: 10, copiedCount: 5}
	a := &Table{Ref: TableRef{Name: "aaa"}, Selected: true, targetRowCount: 10, copiedCount: 5}
	c := &Coordinator{model: &SchemaModel{Tables: []*Table{z, a}}, saturated: map[TableRef]bool{}}

	got := c.pickNextTable()
	if got != a {
		t.Errorf("pickNextTable() = %v, want %v (tie broken by name)", got.Ref, a.Ref)
	}
}

func TestRunMainLoop_SaturatesExhaustedTable(t *testing.T) {
	tbl := &Table{Ref: TableRef{Name: "small"}, PrimaryKey: []string{"id"}, Selected: true, targetRowCount: 100, SourceRowCount: 3}
	model := &SchemaModel{byRef: map[TableRef]*Table{tbl.Ref: tbl}, Tables: []*Table{tbl}}

	drv := newFakeDriver()
	drv.rows[tbl.Ref] = []Row{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}}

	prop := NewPropagator(model, NewPresenceIndex(model.Tables), drv, drv, 10, 3, nil, func(error) {})
	c := NewCoordinator(model, prop, drv, drv)

	if err := c.runMainLoop(context.Background()); err != nil {
		t.Fatalf("runMainLoop() error: %v", err)
	}
	if got := len(drv.target[tbl.Ref])+prop.buf.pending; got != 3 {
		t.Errorf("copied %d rows from a 3-row source, want 3 (source exhausted, target never reached)", got)
	}
	if !c.saturated[tbl.Ref] {
		t.Errorf("table not marked saturated after its source was exhausted")
	}
}

func TestRunForcedRows_RejectsValueOutsideEnumMembers(t *testing.T) {
	tbl := &Table{
		Ref:        TableRef{Name: "accounts"},
		PrimaryKey: []string{"status"},
		Selected:   true,
		Columns:    []Column{{Name: "status", Type: TypeEnumerated, EnumMembers: []string{"active", "closed"}}},
	}
	model := &SchemaModel{byRef: map[TableRef]*Table{tbl.Ref: tbl}, Tables: []*Table{tbl}}
	drv := newFakeDriver()
	c := NewCoordinator(model, NewPropagator(model, NewPresenceIndex(model.Tables), drv, drv, 1, 1, nil, nil), drv, drv)

	err := c.runForcedRows(context.Background(), []ForcedRow{{TableKey: "accounts", PK: "bogus"}})
	if err == nil {
		t.Fatal("expected ConfigurationError for a forced value outside the column's declared enum members")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("error type = %T, want *ConfigurationError", err)
	}
}

func TestFinalize_AdvancesOnlyAutoIncrementColumns(t *testing.T) {
	tbl := &Table{
		Ref:      TableRef{Name: "orders"},
		Selected: true,
		Columns:  []Column{{Name: "id", IsAutoIncrement: true}, {Name: "note"}},
	}
	model := &SchemaModel{byRef: map[TableRef]*Table{tbl.Ref: tbl}, Tables: []*Table{tbl}}
	drv := newFakeDriver()
	rec := &sequenceAdvanceRecorder{Driver: drv}
	c := NewCoordinator(model, NewPropagator(model, NewPresenceIndex(model.Tables), drv, drv, 1, 1, nil, nil), drv, rec)

	if err := c.finalize(context.Background()); err != nil {
		t.Fatalf("finalize() error: %v", err)
	}
	if len(rec.advanced) != 1 || rec.advanced[0] != "id" {
		t.Errorf("advanced sequences for columns %v, want [id]", rec.advanced)
	}
}

// sequenceAdvanceRecorder wraps a Driver and records the column of every
// AdvanceSequence call before delegating to it.
type sequenceAdvanceRecorder struct {
	Driver
	advanced []string
}

func (r *sequenceAdvanceRecorder) AdvanceSequence(ctx context.Context, t *Table, col Column) error {
	r.advanced = append(r.advanced, col.Name)
	return r.Driver.AdvanceSequence(ctx, t, col)
}
