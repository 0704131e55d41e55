// Package memstore is the in-process implementation of the host store
// contract: serializable transactions over copy-on-write tables, index
// scans, a transactional clock and immediate follow-up dispatch. Hosts with
// a durable store replace this wholesale; the engine only sees the
// store.Store interfaces.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

type Store struct {
	mu      sync.Mutex
	clock   store.Clock
	lastNow int64
	tables  map[store.Table]map[core.ID]store.Row
	indexes map[store.Table]map[string]store.IndexDef
	handler store.FollowUpHandler
	active  *Tx
	queue   []string
}

func New() *Store {
	return NewWithClock(WallClock{})
}

func NewWithClock(clock store.Clock) *Store {
	s := &Store{
		clock:   clock,
		tables:  make(map[store.Table]map[core.ID]store.Row),
		indexes: make(map[store.Table]map[string]store.IndexDef),
	}
	for _, def := range store.Indexes() {
		if s.indexes[def.Table] == nil {
			s.indexes[def.Table] = make(map[string]store.IndexDef)
		}
		s.indexes[def.Table][def.Name] = def
	}
	return s
}

// SetFollowUpHandler registers the re-entry callback invoked for keys
// scheduled through Schedule. Must be set before the first transaction.
func (s *Store) SetFollowUpHandler(h store.FollowUpHandler) {
	s.handler = h
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	now := s.clock.Now()
	if now < s.lastNow {
		now = s.lastNow
	}
	s.lastNow = now
	tx := &Tx{
		store:   s,
		now:     now,
		writes:  make(map[store.Table]map[core.ID]store.Row),
		deletes: make(map[store.Table]map[core.ID]bool),
	}
	s.active = tx
	err := fn(ctx, tx)
	if err == nil {
		tx.commit()
		s.queue = append(s.queue, tx.followUps...)
	}
	s.active = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.drain(ctx)
}

// Schedule stages a follow-up key on the active transaction; keys staged in
// a rolled-back transaction are never dispatched. Delay is collapsed to
// immediate re-entry after commit.
func (s *Store) Schedule(_ context.Context, key string, _ int64) error {
	if s.active == nil {
		return fmt.Errorf("no active transaction for follow-up %q", key)
	}
	s.active.followUps = append(s.active.followUps, key)
	return nil
}

func (s *Store) drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		key := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		if s.handler == nil {
			return fmt.Errorf("follow-up %q scheduled without a handler", key)
		}
		if err := s.handler(ctx, key); err != nil {
			return fmt.Errorf("follow-up %q: %w", key, err)
		}
	}
}

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

type Tx struct {
	store     *Store
	now       int64
	writes    map[store.Table]map[core.ID]store.Row
	deletes   map[store.Table]map[core.ID]bool
	followUps []string
}

func (t *Tx) Now() int64 {
	return t.now
}

func (t *Tx) Insert(table store.Table, row store.Row) (core.ID, error) {
	copied, err := core.DeepCopy(row)
	if err != nil {
		return "", err
	}
	id, _ := copied["id"].(string)
	if id == "" {
		newID, err := core.NewID()
		if err != nil {
			return "", err
		}
		id = newID.String()
		copied["id"] = id
	}
	if existing, _ := t.get(table, core.ID(id)); existing != nil {
		return "", fmt.Errorf("duplicate id %s in table %s", id, table)
	}
	if err := t.checkUnique(table, copied, core.ID(id)); err != nil {
		return "", err
	}
	t.stage(table, core.ID(id), copied)
	return core.ID(id), nil
}

func (t *Tx) Get(table store.Table, id core.ID) (store.Row, error) {
	row, err := t.get(table, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return core.DeepCopy(row)
}

func (t *Tx) Patch(table store.Table, id core.ID, partial store.Row) error {
	row, err := t.get(table, id)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("patch %s/%s: %w", table, id, core.ErrNotFound)
	}
	merged, err := core.DeepCopy(row)
	if err != nil {
		return err
	}
	for k, v := range partial {
		copied, err := core.DeepCopy(v)
		if err != nil {
			return err
		}
		merged[k] = copied
	}
	if err := t.checkUnique(table, merged, id); err != nil {
		return err
	}
	t.stage(table, id, merged)
	return nil
}

func (t *Tx) Delete(table store.Table, id core.ID) error {
	if t.deletes[table] == nil {
		t.deletes[table] = make(map[core.ID]bool)
	}
	t.deletes[table][id] = true
	if t.writes[table] != nil {
		delete(t.writes[table], id)
	}
	return nil
}

func (t *Tx) QueryByIndex(table store.Table, index string, rng store.Range) ([]store.Row, error) {
	def, err := t.indexDef(table, index)
	if err != nil {
		return nil, err
	}
	if len(rng.Eq) > len(def.Fields) {
		return nil, fmt.Errorf("index %s.%s: %d eq values for %d fields", table, index, len(rng.Eq), len(def.Fields))
	}
	var matched []store.Row
	for _, row := range t.merged(table) {
		if !matchPrefix(row, def.Fields, rng.Eq) {
			continue
		}
		if len(rng.Eq) < len(def.Fields) {
			next := row[def.Fields[len(rng.Eq)]]
			if rng.GTE != nil && cmpValues(next, rng.GTE) < 0 {
				continue
			}
			if rng.LTE != nil && cmpValues(next, rng.LTE) > 0 {
				continue
			}
		}
		matched = append(matched, row)
	}
	sortRows(matched, def.Fields, rng.Desc)
	if rng.Limit > 0 && len(matched) > rng.Limit {
		matched = matched[:rng.Limit]
	}
	out := make([]store.Row, 0, len(matched))
	for _, row := range matched {
		copied, err := core.DeepCopy(row)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// Unique returns the single row matching the full index key, or nil.
func (t *Tx) Unique(table store.Table, index string, key []any) (store.Row, error) {
	def, err := t.indexDef(table, index)
	if err != nil {
		return nil, err
	}
	if len(key) != len(def.Fields) {
		return nil, fmt.Errorf("index %s.%s: key arity %d, want %d", table, index, len(key), len(def.Fields))
	}
	for _, row := range t.merged(table) {
		if matchPrefix(row, def.Fields, key) {
			return core.DeepCopy(row)
		}
	}
	return nil, nil
}

func (t *Tx) commit() {
	for table, rows := range t.writes {
		if t.store.tables[table] == nil {
			t.store.tables[table] = make(map[core.ID]store.Row)
		}
		for id, row := range rows {
			t.store.tables[table][id] = row
		}
	}
	for table, ids := range t.deletes {
		for id := range ids {
			delete(t.store.tables[table], id)
		}
	}
}

func (t *Tx) stage(table store.Table, id core.ID, row store.Row) {
	if t.writes[table] == nil {
		t.writes[table] = make(map[core.ID]store.Row)
	}
	t.writes[table][id] = row
	if t.deletes[table] != nil {
		delete(t.deletes[table], id)
	}
}

func (t *Tx) get(table store.Table, id core.ID) (store.Row, error) {
	if t.deletes[table] != nil && t.deletes[table][id] {
		return nil, nil
	}
	if rows := t.writes[table]; rows != nil {
		if row, ok := rows[id]; ok {
			return row, nil
		}
	}
	if row, ok := t.store.tables[table][id]; ok {
		return row, nil
	}
	return nil, nil
}

// merged yields the transaction's view of a table: committed rows overlaid
// with staged writes, minus staged deletes.
func (t *Tx) merged(table store.Table) []store.Row {
	seen := make(map[core.ID]bool)
	var rows []store.Row
	for id, row := range t.writes[table] {
		seen[id] = true
		rows = append(rows, row)
	}
	for id, row := range t.store.tables[table] {
		if seen[id] || (t.deletes[table] != nil && t.deletes[table][id]) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func (t *Tx) indexDef(table store.Table, index string) (store.IndexDef, error) {
	def, ok := t.store.indexes[table][index]
	if !ok {
		return store.IndexDef{}, fmt.Errorf("unknown index %s on table %s", index, table)
	}
	return def, nil
}

func (t *Tx) checkUnique(table store.Table, row store.Row, id core.ID) error {
	for _, def := range t.store.indexes[table] {
		if !def.Unique {
			continue
		}
		key := make([]any, len(def.Fields))
		for i, f := range def.Fields {
			key[i] = row[f]
		}
		for _, other := range t.merged(table) {
			otherID, _ := other["id"].(string)
			if core.ID(otherID) == id {
				continue
			}
			if matchPrefix(other, def.Fields, key) {
				return fmt.Errorf("unique index %s.%s violated by %v", table, def.Name, key)
			}
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Value comparison and ordering
// -----------------------------------------------------------------------------

func matchPrefix(row store.Row, fields []string, values []any) bool {
	for i, v := range values {
		if cmpValues(row[fields[i]], v) != 0 {
			return false
		}
	}
	return true
}

func sortRows(rows []store.Row, fields []string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, f := range fields {
			if c := cmpValues(rows[i][f], rows[j][f]); c != 0 {
				if desc {
					return c > 0
				}
				return c < 0
			}
		}
		idI, _ := rows[i]["id"].(string)
		idJ, _ := rows[j]["id"].(string)
		if desc {
			return idI > idJ
		}
		return idI < idJ
	})
}

// cmpValues orders nil < numbers < strings < bools; numeric types compare by
// value regardless of width.
func cmpValues(a, b any) int {
	an, aIsNum := asFloat(a)
	bn, bIsNum := asFloat(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case aIsNum && bIsNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	case aIsNum:
		return -1
	case bIsNum:
		return 1
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	switch {
	case aIsStr && bIsStr:
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	case aIsStr:
		return -1
	case bIsStr:
		return 1
	}
	ab, _ := a.(bool)
	bb, _ := b.(bool)
	switch {
	case ab == bb:
		return 0
	case bb:
		return -1
	default:
		return 1
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
