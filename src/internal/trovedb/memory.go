package trovedb

import (
	"context"
	"sort"
	"sync"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
)

var _ Store = &MemStore{}

// ErrReadOnly is returned by writes inside a read-only transaction.
var ErrReadOnly = errors.New("write in read-only transaction")

type memInstance struct {
	trove  *trove.Trove
	hidden bool
}

type memEntClass struct {
	keys   map[string]bool
	owners map[int64]bool
	access map[int64]bool
}

func (c *memEntClass) copy() *memEntClass {
	return &memEntClass{keys: copySet(c.keys), owners: copySet(c.owners), access: copySet(c.access)}
}

func copySet[K comparable](m map[K]bool) map[K]bool {
	out := make(map[K]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memState struct {
	nextID    int64
	instances map[string]memInstance
	streams   map[string][]byte
	users     map[string]User
	groups    map[int64]Group
	members   map[int64]map[string]bool
	perms     []Permission
	classes   map[string]*memEntClass
}

func newMemState() *memState {
	return &memState{
		instances: make(map[string]memInstance),
		streams:   make(map[string][]byte),
		users:     make(map[string]User),
		groups:    make(map[int64]Group),
		members:   make(map[int64]map[string]bool),
		classes:   make(map[string]*memEntClass),
	}
}

// clone copies s deeply enough that writes to the copy never show through.
// Stored troves are never modified in place, so they are shared.
func (s *memState) clone() *memState {
	c := &memState{
		nextID:    s.nextID,
		instances: make(map[string]memInstance, len(s.instances)),
		streams:   make(map[string][]byte, len(s.streams)),
		users:     make(map[string]User, len(s.users)),
		groups:    make(map[int64]Group, len(s.groups)),
		members:   make(map[int64]map[string]bool, len(s.members)),
		perms:     append([]Permission(nil), s.perms...),
		classes:   make(map[string]*memEntClass, len(s.classes)),
	}
	for k, v := range s.instances {
		c.instances[k] = v
	}
	for k, v := range s.streams {
		c.streams[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.members {
		c.members[k] = copySet(v)
	}
	for k, v := range s.classes {
		c.classes[k] = v.copy()
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// MemStore keeps everything in memory.  Transactions are serialized and
// rolled back by discarding a private copy of the state.
type MemStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemStore() *MemStore {
	return &MemStore{state: newMemState()}
}

func (m *MemStore) WithTx(ctx context.Context, readOnly bool, cb func(context.Context, Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: m.state.clone(), readOnly: readOnly}
	if err := cb(ctx, tx); err != nil {
		return err
	}
	if !readOnly {
		m.state = tx.state
	}
	return nil
}

type memTx struct {
	state    *memState
	readOnly bool
}

func (tx *memTx) write() error {
	if tx.readOnly {
		return errors.WithStack(ErrReadOnly)
	}
	return nil
}

func (tx *memTx) Instances(ctx context.Context, q InstanceQuery) ([]Instance, error) {
	names := make(map[string]bool, len(q.Names))
	for _, n := range q.Names {
		names[n] = true
	}
	var out []Instance
	for _, inst := range tx.state.instances {
		t := inst.trove
		if inst.hidden || !q.Types.matches(t.Type) {
			continue
		}
		if q.Names != nil && !names[t.Name] {
			continue
		}
		i := Instance{NVF: t.NVF(), Type: t.Type}
		if q.Select != SelectNone {
			var ok bool
			for _, spec := range q.Specs {
				if i.Matches(q.Select, spec) {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		out = append(out, i)
	}
	sortInstances(out)
	if q.Leaves {
		out = Leaves(out)
	}
	return out, nil
}

func sortInstances(l []Instance) {
	sort.Slice(l, func(i, j int) bool {
		a, b := l[i], l[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if ta, tb := a.Version.Timestamp(), b.Version.Timestamp(); ta != tb {
			return ta < tb
		}
		if va, vb := a.Version.String(), b.Version.String(); va != vb {
			return va < vb
		}
		return a.Flavor.String() < b.Flavor.String()
	})
}

func (tx *memTx) TroveNames(ctx context.Context, label string) ([]NameLabel, error) {
	seen := make(map[NameLabel]bool)
	for _, inst := range tx.state.instances {
		if inst.hidden {
			continue
		}
		nl := NameLabel{Name: inst.trove.Name, Label: inst.trove.Version.TrailingLabel().String()}
		if label == "" || nl.Label == label {
			seen[nl] = true
		}
	}
	out := make([]NameLabel, 0, len(seen))
	for nl := range seen {
		out = append(out, nl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func (tx *memTx) HasTroves(ctx context.Context, troves []trove.NVF) ([]bool, error) {
	out := make([]bool, len(troves))
	for i, n := range troves {
		_, out[i] = tx.state.instances[n.Key()]
	}
	return out, nil
}

func (tx *memTx) GetTroves(ctx context.Context, troves []trove.NVF, withFiles bool) ([]*trove.Trove, error) {
	out := make([]*trove.Trove, len(troves))
	for i, n := range troves {
		inst, ok := tx.state.instances[n.Key()]
		if !ok {
			continue
		}
		t := inst.trove.Copy()
		if !withFiles {
			for _, f := range t.Files() {
				t.RemoveFile(f.PathID)
			}
		}
		out[i] = t
	}
	return out, nil
}

func (tx *memTx) AddTrove(ctx context.Context, t *trove.Trove, opts AddOptions) error {
	if err := tx.write(); err != nil {
		return err
	}
	k := t.NVF().Key()
	if _, ok := tx.state.instances[k]; ok {
		return errors.WithStack(&repoerr.CommitError{Msg: "version " + t.Version.String() + " of " + t.Name + " already exists"})
	}
	for _, f := range t.Files() {
		if _, ok := tx.state.streams[f.FileID]; !ok {
			return errors.WithStack(&repoerr.FileStreamMissing{FileID: f.FileID})
		}
	}
	tx.state.instances[k] = memInstance{trove: t.Copy(), hidden: opts.Hidden}
	return nil
}

func (tx *memTx) MarkTroveRemoved(ctx context.Context, n trove.NVF) error {
	if err := tx.write(); err != nil {
		return err
	}
	k := n.Key()
	inst, ok := tx.state.instances[k]
	if !ok {
		return errors.WithStack(&repoerr.TroveMissing{Name: n.Name, Version: n.Version.String()})
	}
	removed := trove.New(n.Name, inst.trove.Version, n.Flavor, trove.TypeRemoved)
	removed.Info = inst.trove.Info
	inst.trove = removed
	tx.state.instances[k] = inst
	return nil
}

func (tx *memTx) UpdateTroveInfo(ctx context.Context, n trove.NVF, info trove.Info) error {
	if err := tx.write(); err != nil {
		return err
	}
	k := n.Key()
	inst, ok := tx.state.instances[k]
	if !ok {
		return errors.WithStack(&repoerr.TroveMissing{Name: n.Name, Version: n.Version.String()})
	}
	t := inst.trove.Copy()
	t.Info = info
	inst.trove = t
	tx.state.instances[k] = inst
	return nil
}

func (tx *memTx) PresentHiddenTroves(ctx context.Context) error {
	if err := tx.write(); err != nil {
		return err
	}
	for k, inst := range tx.state.instances {
		if inst.hidden {
			inst.hidden = false
			tx.state.instances[k] = inst
		}
	}
	return nil
}

func (tx *memTx) TroveParents(ctx context.Context, n trove.NVF) ([]trove.NVF, error) {
	var out []trove.NVF
	for _, inst := range tx.state.instances {
		if inst.trove.IsRemoved() {
			continue
		}
		if inst.trove.HasTrove(n) {
			out = append(out, inst.trove.NVF())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (tx *memTx) AddFileStream(ctx context.Context, fileID string, stream []byte) error {
	if err := tx.write(); err != nil {
		return err
	}
	if len(tx.state.streams[fileID]) == 0 {
		tx.state.streams[fileID] = append([]byte(nil), stream...)
	}
	return nil
}

func (tx *memTx) FileStreams(ctx context.Context, fileIDs []string) ([][]byte, error) {
	out := make([][]byte, len(fileIDs))
	for i, id := range fileIDs {
		if s, ok := tx.state.streams[id]; ok {
			out[i] = append([]byte(nil), s...)
		}
	}
	return out, nil
}

func (tx *memTx) FileOwners(ctx context.Context, fileID string) ([]FileOwner, error) {
	var out []FileOwner
	for _, inst := range tx.state.instances {
		if inst.hidden {
			continue
		}
		for _, f := range inst.trove.Files() {
			if f.FileID == fileID {
				out = append(out, FileOwner{NVF: inst.trove.NVF(), FileVersion: f.Version})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
