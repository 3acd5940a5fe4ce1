package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

// defaultChildDepthBudget is the main loop's per-candidate depth budget
// (spec.md §4.5 step 3c, "default small, e.g. 3").
const defaultChildDepthBudget = 3

// fullChildDepthBudget stands in for "full child-depth budget" (spec.md
// §4.5 steps 1 and 2): large enough that no real schema graph exhausts it
// before the PresenceIndex's dedup check naturally stops the recursion.
const fullChildDepthBudget = 1 << 16

// mainLoopBatchConstant bounds how many fresh candidates the Coordinator
// asks the Selector for in one main-loop turn, when the table's remaining
// gap is larger than this.
const mainLoopBatchConstant = 50

// ForcedRow is one --force=table:pk directive: an unresolved "table" or
// "schema.table" key (resolved against the SchemaModel at Run time, the
// same way --force/--full-table table names are resolved elsewhere) and a
// single scalar primary-key value.
type ForcedRow struct {
	TableKey string
	PK       any
}

// Coordinator is the top-level loop described in spec.md §4.5: it resolves
// forced rows first, copies full tables next, then drives per-table
// primary-selection quotas until every selected table meets its target or
// its source is exhausted, and finally advances sequences.
type Coordinator struct {
	model       *SchemaModel
	selector    *Selector
	propagator  *Propagator
	source      Driver
	target      Driver
	saturated   map[TableRef]bool
}

// NewCoordinator wires a Coordinator around an already-built SchemaModel
// and Propagator.
func NewCoordinator(model *SchemaModel, prop *Propagator, source, target Driver) *Coordinator {
	return &Coordinator{
		model:      model,
		selector:   NewSelector(source),
		propagator: prop,
		source:     source,
		target:     target,
		saturated:  make(map[TableRef]bool),
	}
}

// Run executes the full copy: forced rows, full tables, the main
// completeness-driven loop, a final flush, and sequence advancement.
func (c *Coordinator) Run(ctx context.Context, forced []ForcedRow) error {
	start := nowFunc()

	if err := c.runForcedRows(ctx, forced); err != nil {
		return err
	}
	if err := c.runFullTables(ctx); err != nil {
		return err
	}
	if err := c.runMainLoop(ctx); err != nil {
		return err
	}
	if err := c.propagator.Flush(ctx); err != nil {
		return err
	}

	logf("info", "copy phase complete in %s", nowFunc().Sub(start).Round(time.Millisecond))

	return c.finalize(ctx)
}

// runForcedRows implements spec.md §4.5 step 1: every forced row is
// fetched by key and propagated with priority=true and a full child-depth
// budget, marking that table (and, transitively, its ParentEdges' tables)
// as prioritized.
func (c *Coordinator) runForcedRows(ctx context.Context, forced []ForcedRow) error {
	for _, f := range forced {
		t, err := c.model.resolveTableKey(f.TableKey)
		if err != nil {
			return err
		}
		if len(t.PrimaryKey) != 1 {
			return &ConfigurationError{Msg: fmt.Sprintf(
				"--force=%s:%v requires a single-column primary key, %s has primary key %v", f.TableKey, f.PK, t.Ref, t.PrimaryKey)}
		}
		if err := validateForcedEnumValue(t, f); err != nil {
			return err
		}
		t.Prioritized = true
		row, ok, err := c.selector.ByKey(ctx, t, []any{f.PK})
		if err != nil {
			return fmt.Errorf("fetch forced row %s:%v: %w", t.Ref, f.PK, err)
		}
		if !ok {
			return &ForcedRowNotFoundError{Table: t.Ref, PK: f.PK}
		}
		logf("info", "forcing %s:%v and its descendants", t.Ref, f.PK)
		if err := c.propagator.Propagate(ctx, t, row, true, fullChildDepthBudget); err != nil {
			return fmt.Errorf("propagate forced row %s:%v: %w", t.Ref, f.PK, err)
		}
	}
	return nil
}

// validateForcedEnumValue rejects a --force value up front when the target
// table's primary key is a MySQL enum/set column with a declared member
// list (Column.EnumMembers, populated by driver_mysql.go's introspection)
// and the forced value isn't one of those members — turning what would
// otherwise be a confusing ForcedRowNotFoundError into a precise
// ConfigurationError naming the valid choices.
func validateForcedEnumValue(t *Table, f ForcedRow) error {
	idx := t.ColumnIndex(t.PrimaryKey[0])
	if idx < 0 {
		return nil
	}
	members := t.Columns[idx].EnumMembers
	if len(members) == 0 {
		return nil
	}
	pk, ok := f.PK.(string)
	if !ok {
		return nil
	}
	for _, m := range members {
		if m == pk {
			return nil
		}
	}
	return &ConfigurationError{Msg: fmt.Sprintf(
		"--force=%s:%s: %q is not one of %s.%s's declared enum members %v",
		f.TableKey, pk, pk, t.Ref, t.PrimaryKey[0], members)}
}

// runFullTables implements spec.md §4.5 step 2: every --full-table is
// copied row for row.
func (c *Coordinator) runFullTables(ctx context.Context) error {
	for _, t := range c.model.Tables {
		if !t.Prioritized || !t.Selected {
			continue
		}
		if t.SourceRowCount == 0 {
			continue
		}
		logf("info", "copying full table %s (%s rows)", t.Ref, humanize.Comma(t.SourceRowCount))
		offset := int64(0)
		const pageSize = 500
		for offset < t.SourceRowCount {
			rows, err := c.source.SampleRows(ctx, t, pageSize) // drivers degrade to ordered scans for full-table sizes; see driver docs
			if err != nil {
				return fmt.Errorf("scan full table %s: %w", t.Ref, err)
			}
			if len(rows) == 0 {
				break
			}
			for _, r := range rows {
				if err := c.propagator.Propagate(ctx, t, r, true, fullChildDepthBudget); err != nil {
					return fmt.Errorf("propagate row of full table %s: %w", t.Ref, err)
				}
			}
			offset += int64(len(rows))
			if int64(len(rows)) < pageSize {
				break
			}
		}
	}
	return nil
}

// runMainLoop implements spec.md §4.5 step 3: repeatedly pick the
// least-complete unsaturated table, draw a batch of candidates, and
// propagate each with priority=false and the default depth budget, until
// every selected table is saturated or meets its target.
func (c *Coordinator) runMainLoop(ctx context.Context) error {
	for {
		t := c.pickNextTable()
		if t == nil {
			return nil
		}

		gap := t.targetRowCount - t.copiedCount
		batch := mainLoopBatchConstant
		if gap > 0 && gap < int64(batch) {
			batch = int(gap)
		}
		if batch <= 0 {
			batch = 1
		}

		rows, err := c.selector.Sample(ctx, t, batch)
		if err != nil {
			return fmt.Errorf("sample %s: %w", t.Ref, err)
		}

		before := t.copiedCount
		for _, r := range rows {
			if err := c.propagator.Propagate(ctx, t, r, false, defaultChildDepthBudget); err != nil {
				return fmt.Errorf("propagate %s: %w", t.Ref, err)
			}
		}

		exhausted := int64(len(rows)) < int64(batch)
		if t.copiedCount == before && exhausted {
			c.saturated[t.Ref] = true
		}
	}
}

// pickNextTable selects the lowest-completeness-score selected table that
// has not met its target and is not yet saturated, ties broken by table
// name for determinism (spec.md §4.5 step 3a).
func (c *Coordinator) pickNextTable() *Table {
	var candidates []*Table
	for _, t := range c.model.Tables {
		if !t.Selected || c.saturated[t.Ref] {
			continue
		}
		if t.copiedCount >= t.targetRowCount {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].CompletenessScore(), candidates[j].CompletenessScore()
		if si != sj {
			return si < sj
		}
		return candidates[i].Ref.String() < candidates[j].Ref.String()
	})
	return candidates[0]
}

// finalize advances every auto-generated-key sequence in the target to at
// least max(existing key value)+1 (I4/P7), for every selected table.
func (c *Coordinator) finalize(ctx context.Context) error {
	for _, t := range c.model.Tables {
		if !t.Selected {
			continue
		}
		for _, col := range t.Columns {
			if !col.IsAutoIncrement {
				continue
			}
			if err := c.target.AdvanceSequence(ctx, t, col); err != nil {
				return fmt.Errorf("advance sequence for %s.%s: %w", t.Ref, col.Name, err)
			}
		}
	}
	return nil
}

// nowFunc is overridable in tests that need deterministic timing.
var nowFunc = time.Now
