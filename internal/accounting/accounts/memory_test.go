package accounts

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

type memoryRepo struct {
	mu        sync.Mutex
	segments  map[uuid.UUID][]SegmentDefinition
	accounts  map[uuid.UUID]accounting.Account
	hierarchy []HierarchyVersion
	blocks    []BlockAudit
	posted    map[uuid.UUID]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		segments: make(map[uuid.UUID][]SegmentDefinition),
		accounts: make(map[uuid.UUID]accounting.Account),
		posted:   make(map[uuid.UUID]bool),
	}
}

func (r *memoryRepo) markPosted(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posted[id] = true
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	accounts := make(map[uuid.UUID]accounting.Account, len(r.accounts))
	for id, a := range r.accounts {
		accounts[id] = a
	}
	segments := make(map[uuid.UUID][]SegmentDefinition, len(r.segments))
	for id, s := range r.segments {
		segments[id] = s
	}
	hierarchy, blocks := len(r.hierarchy), len(r.blocks)
	if err := fn(ctx, &memoryTx{r: r}); err != nil {
		r.accounts, r.segments = accounts, segments
		r.hierarchy, r.blocks = r.hierarchy[:hierarchy], r.blocks[:blocks]
		return err
	}
	return nil
}

func (r *memoryRepo) withChildren(a accounting.Account) accounting.Account {
	for _, other := range r.accounts {
		if other.ParentID != nil && *other.ParentID == a.ID && other.IsActive {
			a.HasChildren = true
		}
	}
	return a
}

func (r *memoryRepo) ListAccounts(_ context.Context, orgID uuid.UUID) ([]accounting.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []accounting.Account
	for _, a := range r.accounts {
		if a.OrganizationID == orgID {
			out = append(out, r.withChildren(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *memoryRepo) GetAccount(_ context.Context, orgID, id uuid.UUID) (accounting.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(orgID, id)
}

func (r *memoryRepo) get(orgID, id uuid.UUID) (accounting.Account, error) {
	a, ok := r.accounts[id]
	if !ok || a.OrganizationID != orgID {
		return accounting.Account{}, accounting.ErrAccountNotFound
	}
	return r.withChildren(a), nil
}

func (r *memoryRepo) ListSegments(_ context.Context, orgID uuid.UUID) ([]SegmentDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SegmentDefinition(nil), r.segments[orgID]...), nil
}

func (r *memoryRepo) ListHierarchy(_ context.Context, accountID uuid.UUID) ([]HierarchyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HierarchyVersion
	for _, v := range r.hierarchy {
		if v.AccountID == accountID {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

func (r *memoryRepo) ListBlockAudit(_ context.Context, accountID uuid.UUID) ([]BlockAudit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BlockAudit
	for _, b := range r.blocks {
		if b.AccountID == accountID {
			out = append(out, b)
		}
	}
	return out, nil
}

type memoryTx struct {
	r *memoryRepo
}

func (t *memoryTx) ListSegments(_ context.Context, orgID uuid.UUID) ([]SegmentDefinition, error) {
	return append([]SegmentDefinition(nil), t.r.segments[orgID]...), nil
}

func (t *memoryTx) ReplaceSegments(_ context.Context, orgID uuid.UUID, defs []SegmentDefinition) error {
	t.r.segments[orgID] = append([]SegmentDefinition(nil), defs...)
	return nil
}

func (t *memoryTx) CountAccounts(_ context.Context, orgID uuid.UUID) (int, error) {
	n := 0
	for _, a := range t.r.accounts {
		if a.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) CodeExists(_ context.Context, orgID uuid.UUID, code string) (bool, error) {
	for _, a := range t.r.accounts {
		if a.OrganizationID == orgID && a.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) GetAccountForUpdate(_ context.Context, orgID, id uuid.UUID) (accounting.Account, error) {
	return t.r.get(orgID, id)
}

func (t *memoryTx) InsertAccount(_ context.Context, a accounting.Account) error {
	t.r.accounts[a.ID] = a
	return nil
}

func (t *memoryTx) UpdateAccount(_ context.Context, a accounting.Account) error {
	a.HasChildren = false
	t.r.accounts[a.ID] = a
	return nil
}

func (t *memoryTx) HasPostings(_ context.Context, accountID uuid.UUID) (bool, error) {
	return t.r.posted[accountID], nil
}

func (t *memoryTx) LatestHierarchy(_ context.Context, accountID uuid.UUID) (HierarchyVersion, bool, error) {
	var latest HierarchyVersion
	found := false
	for _, v := range t.r.hierarchy {
		if v.AccountID == accountID && (!found || !v.EffectiveFrom.Before(latest.EffectiveFrom)) {
			latest, found = v, true
		}
	}
	return latest, found, nil
}

func (t *memoryTx) AppendHierarchy(_ context.Context, v HierarchyVersion) error {
	t.r.hierarchy = append(t.r.hierarchy, v)
	return nil
}

func (t *memoryTx) InsertBlockAudit(_ context.Context, a BlockAudit) error {
	t.r.blocks = append(t.r.blocks, a)
	return nil
}
