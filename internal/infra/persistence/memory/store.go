// Package memory provides the transactional in-memory inventory store used
// for tests and ephemeral environments, and as the working set of the durable
// backends.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rackcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Entity aliases domain.Entity.
	Entity = domain.Entity
	// Attribute aliases domain.Attribute.
	Attribute = domain.Attribute
	// AttrFilter aliases domain.AttrFilter.
	AttrFilter = domain.AttrFilter
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// Session aliases domain.Session.
	Session = domain.Session
)

type memoryState struct {
	entities   map[string]Entity
	names      map[string]string
	attributes map[int64]Attribute
	// owned, refs, and subjects hold attribute IDs in insertion order.
	owned      map[string][]int64
	refs       map[string][]int64
	subjects   map[string][]int64
	tombstones map[string]time.Time
	seq        int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Entities   map[string]Entity    `json:"entities"`
	Attributes []Attribute          `json:"attributes"`
	Tombstones map[string]time.Time `json:"tombstones"`
	Sequence   int64                `json:"sequence"`
}

func newMemoryState() memoryState {
	return memoryState{
		entities:   make(map[string]Entity),
		names:      make(map[string]string),
		attributes: make(map[int64]Attribute),
		owned:      make(map[string][]int64),
		refs:       make(map[string][]int64),
		subjects:   make(map[string][]int64),
		tombstones: make(map[string]time.Time),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		entities:   make(map[string]Entity, len(s.entities)),
		names:      make(map[string]string, len(s.names)),
		attributes: make(map[int64]Attribute, len(s.attributes)),
		owned:      cloneIndex(s.owned),
		refs:       cloneIndex(s.refs),
		subjects:   cloneIndex(s.subjects),
		tombstones: make(map[string]time.Time, len(s.tombstones)),
		seq:        s.seq,
	}
	for k, v := range s.entities {
		out.entities[k] = v
	}
	for k, v := range s.names {
		out.names[k] = v
	}
	for k, v := range s.attributes {
		out.attributes[k] = cloneAttribute(v)
	}
	for k, v := range s.tombstones {
		out.tombstones[k] = v
	}
	return out
}

func cloneIndex(in map[string][]int64) map[string][]int64 {
	out := make(map[string][]int64, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

func cloneAttribute(a Attribute) Attribute {
	if a.Number != nil {
		n := *a.Number
		a.Number = &n
	}
	a.Related = nil
	return a
}

// subjectOf returns the entity ID an internal attribute is keyed on, if any.
func subjectOf(a Attribute) string {
	if !a.Internal() {
		return ""
	}
	return a.Subkey
}

func (s *memoryState) index(a Attribute) {
	s.attributes[a.ID] = a
	s.owned[a.EntityID] = append(s.owned[a.EntityID], a.ID)
	if a.Value.IsRelation() {
		s.refs[a.Value.Ref] = append(s.refs[a.Value.Ref], a.ID)
	}
	if subject := subjectOf(a); subject != "" {
		s.subjects[subject] = append(s.subjects[subject], a.ID)
	}
}

func (s *memoryState) unindex(a Attribute) {
	delete(s.attributes, a.ID)
	s.owned[a.EntityID] = removeID(s.owned[a.EntityID], a.ID)
	if len(s.owned[a.EntityID]) == 0 {
		delete(s.owned, a.EntityID)
	}
	if a.Value.IsRelation() {
		s.refs[a.Value.Ref] = removeID(s.refs[a.Value.Ref], a.ID)
		if len(s.refs[a.Value.Ref]) == 0 {
			delete(s.refs, a.Value.Ref)
		}
	}
	if subject := subjectOf(a); subject != "" {
		s.subjects[subject] = removeID(s.subjects[subject], a.ID)
		if len(s.subjects[subject]) == 0 {
			delete(s.subjects, subject)
		}
	}
}

func removeID(ids []int64, id int64) []int64 {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Entities:   make(map[string]Entity, len(state.entities)),
		Attributes: make([]Attribute, 0, len(state.attributes)),
		Tombstones: make(map[string]time.Time, len(state.tombstones)),
		Sequence:   state.seq,
	}
	for k, v := range state.entities {
		s.Entities[k] = v
	}
	for _, a := range state.attributes {
		s.Attributes = append(s.Attributes, cloneAttribute(a))
	}
	sort.Slice(s.Attributes, func(i, j int) bool { return s.Attributes[i].ID < s.Attributes[j].ID })
	for k, v := range state.tombstones {
		s.Tombstones[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Entities {
		state.entities[k] = v
		state.names[v.Name] = k
	}
	attrs := slices.Clone(s.Attributes)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].ID < attrs[j].ID })
	for _, a := range attrs {
		state.index(cloneAttribute(a))
	}
	for k, v := range s.Tombstones {
		state.tombstones[k] = v
	}
	state.seq = s.Sequence
	return state
}

// migrateSnapshot normalizes nil collections and drops records that would
// violate store invariants: attributes of missing owners, dangling relations,
// and internal attributes keyed on missing subjects.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Entities == nil {
		snapshot.Entities = map[string]Entity{}
	}
	if snapshot.Tombstones == nil {
		snapshot.Tombstones = map[string]time.Time{}
	}
	seen := make(map[int64]struct{}, len(snapshot.Attributes))
	kept := make([]Attribute, 0, len(snapshot.Attributes))
	for _, a := range snapshot.Attributes {
		if _, ok := snapshot.Entities[a.EntityID]; !ok {
			continue
		}
		if a.Value.IsRelation() {
			if _, ok := snapshot.Entities[a.Value.Ref]; !ok {
				continue
			}
		}
		if subject := subjectOf(a); subject != "" {
			if _, ok := snapshot.Entities[subject]; !ok {
				continue
			}
		}
		if _, dup := seen[a.ID]; dup || a.ID <= 0 {
			continue
		}
		seen[a.ID] = struct{}{}
		kept = append(kept, a)
		if a.ID > snapshot.Sequence {
			snapshot.Sequence = a.ID
		}
	}
	snapshot.Attributes = kept
	return snapshot
}

// Store provides an in-memory transactional store for the inventory.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine  *RulesEngine
	nowFn   func() time.Time
	persist Persister
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider stamped onto new entities and tombstones.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}

// ListEntities returns all live entities ordered by name.
func (s *Store) ListEntities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateView{state: &s.state}.ListEntities()
}

// Begin opens a session. The store's write lock is held until the session is
// committed or rolled back, serializing all writers.
func (s *Store) Begin(_ context.Context) (Session, error) {
	s.mu.Lock()
	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	tx.stateView = stateView{state: &tx.state}
	return &session{transaction: tx}, nil
}

// RunInTransaction applies fn inside a session and commits it when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	sess, err := s.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer sess.Rollback()
	if err := fn(sess); err != nil {
		return Result{}, err
	}
	return sess.Commit(ctx)
}

// View executes fn against the committed state. fn runs under the read lock;
// every value it receives is a copy.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(stateView{state: &s.state})
}

// commit evaluates rules over the transaction, persists the candidate state,
// and only then swaps it in. Callers hold s.mu.
func (s *Store) commit(ctx context.Context, tx *transaction) (Result, error) {
	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, stateView{state: &tx.state}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if s.persist != nil {
		if err := s.persist(ctx, snapshotFromMemoryState(tx.state)); err != nil {
			return result, err
		}
	}
	s.state = tx.state
	return result, nil
}

type session struct {
	*transaction
}

// Commit applies the session's changes. The session is closed afterwards
// whether or not the commit succeeded.
func (ss *session) Commit(ctx context.Context) (Result, error) {
	if ss.done {
		return Result{}, domain.ErrSessionClosed
	}
	ss.done = true
	defer ss.store.mu.Unlock()
	res, err := ss.store.commit(ctx, ss.transaction)
	ss.state = memoryState{}
	return res, err
}

// Rollback discards the session's changes.
func (ss *session) Rollback() {
	if ss.done {
		return
	}
	ss.done = true
	ss.state = memoryState{}
	ss.store.mu.Unlock()
}

// transaction is the mutable state of a session.
type transaction struct {
	stateView
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
	done    bool
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) live(op, id string) (Entity, error) {
	if tx.done {
		return Entity{}, domain.ErrSessionClosed
	}
	if e, ok := tx.state.entities[id]; ok {
		return e, nil
	}
	if _, gone := tx.state.tombstones[id]; gone {
		return Entity{}, domain.NewError(domain.ErrInvalidState, op, id, "entity was deleted")
	}
	return Entity{}, domain.NewError(domain.ErrNotFound, op, id, "no such entity")
}

// CreateEntity stores a new entity. Names must be unique among live entities.
func (tx *transaction) CreateEntity(e Entity) (Entity, error) {
	if tx.done {
		return Entity{}, domain.ErrSessionClosed
	}
	if e.Name == "" {
		return Entity{}, fmt.Errorf("entity name is required")
	}
	if _, taken := tx.state.names[e.Name]; taken {
		return Entity{}, domain.NewError(domain.ErrAlreadyExists, "create_entity", e.Name, "")
	}
	if e.ID == "" {
		e.ID = tx.store.newID()
	}
	if _, exists := tx.state.entities[e.ID]; exists {
		return Entity{}, domain.NewError(domain.ErrAlreadyExists, "create_entity", e.ID, "id in use")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.now
	}
	tx.state.entities[e.ID] = e
	tx.state.names[e.Name] = e.ID
	delete(tx.state.tombstones, e.ID)
	tx.recordChange(Change{Kind: domain.ChangeEntity, Action: domain.ActionCreate, After: e})
	return e, nil
}

// DeleteEntity removes an entity and every attribute owned by it, referencing
// it, or keyed on it.
func (tx *transaction) DeleteEntity(id string) error {
	current, err := tx.live("delete_entity", id)
	if err != nil {
		return err
	}
	doomed := make([]int64, 0, len(tx.state.owned[id])+len(tx.state.refs[id]))
	doomed = append(doomed, tx.state.owned[id]...)
	doomed = append(doomed, tx.state.refs[id]...)
	doomed = append(doomed, tx.state.subjects[id]...)
	slices.Sort(doomed)
	doomed = slices.Compact(doomed)
	for _, attrID := range doomed {
		a, ok := tx.state.attributes[attrID]
		if !ok {
			continue
		}
		tx.state.unindex(a)
		tx.recordChange(Change{Kind: domain.ChangeAttribute, Action: domain.ActionDelete, Before: a})
	}
	delete(tx.state.entities, id)
	delete(tx.state.names, current.Name)
	tx.state.tombstones[id] = tx.now
	tx.recordChange(Change{Kind: domain.ChangeEntity, Action: domain.ActionDelete, Before: current})
	return nil
}

// AddAttribute appends an attribute to its owner. Re-adding an attribute with
// an explicit number and identical value returns the existing record.
func (tx *transaction) AddAttribute(a Attribute) (Attribute, error) {
	if _, err := tx.live("add_attr", a.EntityID); err != nil {
		return Attribute{}, err
	}
	if a.Key == "" {
		return Attribute{}, fmt.Errorf("attribute key is required")
	}
	switch a.Value.Type {
	case domain.TypeInt, domain.TypeString, domain.TypeDatetime:
	case domain.TypeRelation:
		if _, err := tx.live("add_attr", a.Value.Ref); err != nil {
			return Attribute{}, err
		}
	default:
		return Attribute{}, domain.NewError(domain.ErrTypeMismatch, "add_attr", a.Key, "unknown value type %q", a.Value.Type)
	}
	if a.Number != nil {
		for _, id := range tx.state.owned[a.EntityID] {
			existing := tx.state.attributes[id]
			if existing.SameSlot(a) && existing.Value.Equal(a.Value) {
				return tx.resolve(existing), nil
			}
		}
	}
	tx.state.seq++
	a = cloneAttribute(a)
	a.ID = tx.state.seq
	tx.state.index(a)
	tx.recordChange(Change{Kind: domain.ChangeAttribute, Action: domain.ActionCreate, After: a})
	return tx.resolve(a), nil
}

// RemoveAttributes deletes the entity's attributes matching filter and
// reports how many were removed.
func (tx *transaction) RemoveAttributes(entityID string, filter AttrFilter) (int, error) {
	if _, err := tx.live("remove_attr", entityID); err != nil {
		return 0, err
	}
	var removed int
	for _, id := range slices.Clone(tx.state.owned[entityID]) {
		a := tx.state.attributes[id]
		if !filter.Matches(a) {
			continue
		}
		tx.state.unindex(a)
		tx.recordChange(Change{Kind: domain.ChangeAttribute, Action: domain.ActionDelete, Before: a})
		removed++
	}
	return removed, nil
}

// stateView exposes read-only queries over a memoryState.
type stateView struct {
	state *memoryState
}

func (v stateView) resolve(a Attribute) Attribute {
	a = cloneAttribute(a)
	if a.Value.IsRelation() {
		if target, ok := v.state.entities[a.Value.Ref]; ok {
			a.Related = &target
		}
	}
	return a
}

func (v stateView) collect(ids []int64, filter AttrFilter) []Attribute {
	out := make([]Attribute, 0, len(ids))
	for _, id := range ids {
		a, ok := v.state.attributes[id]
		if !ok || !filter.Matches(a) {
			continue
		}
		out = append(out, v.resolve(a))
	}
	return out
}

// FindEntity looks up a live entity by ID.
func (v stateView) FindEntity(id string) (Entity, bool) {
	e, ok := v.state.entities[id]
	return e, ok
}

// FindEntityByName looks up a live entity by name.
func (v stateView) FindEntityByName(name string) (Entity, bool) {
	id, ok := v.state.names[name]
	if !ok {
		return Entity{}, false
	}
	return v.FindEntity(id)
}

// ListEntities returns all live entities ordered by name.
func (v stateView) ListEntities() []Entity {
	out := make([]Entity, 0, len(v.state.entities))
	for _, e := range v.state.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WasDeleted reports whether id names a deleted entity.
func (v stateView) WasDeleted(id string) bool {
	_, ok := v.state.tombstones[id]
	return ok
}

// Attributes returns the entity's attributes matching filter in insertion order.
func (v stateView) Attributes(entityID string, filter AttrFilter) []Attribute {
	return v.collect(v.state.owned[entityID], filter)
}

// References returns relation attributes pointing at entityID in insertion order.
func (v stateView) References(entityID string, filter AttrFilter) []Attribute {
	return v.collect(v.state.refs[entityID], filter)
}

// FindAttributes scans all attributes in insertion order.
func (v stateView) FindAttributes(filter AttrFilter) []Attribute {
	ids := make([]int64, 0, len(v.state.attributes))
	for id, a := range v.state.attributes {
		if filter.Matches(a) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return v.collect(ids, AttrFilter{})
}
