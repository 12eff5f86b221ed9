package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anyulbade/vpos-engine/internal/model"
)

// MemoryTransactionRepository mirrors TransactionRepository in process memory.
// It backs tests and REPO_BACKEND=memory runs.
type MemoryTransactionRepository struct {
	mu          sync.RWMutex
	txns        map[string]*model.Transaction
	transitions map[string][]model.Transition
	nextID      int64
}

func NewMemoryTransactionRepository() *MemoryTransactionRepository {
	return &MemoryTransactionRepository{
		txns:        make(map[string]*model.Transaction),
		transitions: make(map[string][]model.Transition),
	}
}

func (r *MemoryTransactionRepository) Create(_ context.Context, txn *model.Transaction, trs []model.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txns[txn.ID]; ok {
		return fmt.Errorf("insert transaction: duplicate id %s", txn.ID)
	}
	r.txns[txn.ID] = cloneTxn(txn)
	r.appendTransitions(trs)
	return nil
}

func (r *MemoryTransactionRepository) Save(_ context.Context, txn *model.Transaction, expected model.Status, trs []model.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.txns[txn.ID]
	if !ok {
		return model.NewError(model.KindNotFound, "save transaction", txn.ID)
	}
	if cur.Status != expected {
		return model.NewError(model.KindInvalidStateTransition, "save transaction",
			fmt.Sprintf("expected %s, found %s (moving to %s)", expected, cur.Status, txn.Status))
	}
	r.txns[txn.ID] = cloneTxn(txn)
	r.appendTransitions(trs)
	return nil
}

func (r *MemoryTransactionRepository) appendTransitions(trs []model.Transition) {
	for _, t := range trs {
		r.nextID++
		t.ID = r.nextID
		r.transitions[t.TransactionID] = append(r.transitions[t.TransactionID], t)
	}
}

func (r *MemoryTransactionRepository) Get(_ context.Context, id string) (*model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn, ok := r.txns[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "get transaction", id)
	}
	return cloneTxn(txn), nil
}

func (r *MemoryTransactionRepository) List(_ context.Context, f TransactionFilter, limit, offset int) ([]*model.Transaction, int, error) {
	matched := r.filter(func(t *model.Transaction) bool {
		return (f.Status == "" || t.Status == f.Status) &&
			(f.Provider == "" || t.Provider == f.Provider) &&
			(f.MerchantOrderID == "" || t.MerchantOrderID == f.MerchantOrderID)
	})
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *MemoryTransactionRepository) ListStale(_ context.Context, status model.Status, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	matched := r.filter(func(t *model.Transaction) bool {
		return t.Status == status && t.UpdatedAt.Before(cutoff)
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.Before(matched[j].UpdatedAt) })
	return head(matched, limit), nil
}

func (r *MemoryTransactionRepository) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	matched := r.filter(func(t *model.Transaction) bool {
		return t.Status == model.StatusAuthorized && t.PaymentType == model.PaymentPreAuth &&
			t.CaptureDeadline != nil && !t.CaptureDeadline.After(now)
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].CaptureDeadline.Before(*matched[j].CaptureDeadline) })
	return head(matched, limit), nil
}

func (r *MemoryTransactionRepository) Transitions(_ context.Context, id string) ([]model.Transition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.txns[id]; !ok {
		return nil, model.NewError(model.KindNotFound, "list transitions", id)
	}
	return append([]model.Transition(nil), r.transitions[id]...), nil
}

func (r *MemoryTransactionRepository) filter(keep func(*model.Transaction) bool) []*model.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Transaction
	for _, t := range r.txns {
		if keep(t) {
			out = append(out, cloneTxn(t))
		}
	}
	return out
}

func head(txns []*model.Transaction, limit int) []*model.Transaction {
	if limit > 0 && len(txns) > limit {
		return txns[:limit]
	}
	return txns
}

func cloneTxn(t *model.Transaction) *model.Transaction {
	cp := *t
	if t.Risk != nil {
		r := *t.Risk
		r.Reasons = append([]string(nil), t.Risk.Reasons...)
		cp.Risk = &r
	}
	if t.Pending != nil {
		p := *t.Pending
		cp.Pending = &p
	}
	if t.HoldExpiresAt != nil {
		v := *t.HoldExpiresAt
		cp.HoldExpiresAt = &v
	}
	if t.CaptureDeadline != nil {
		v := *t.CaptureDeadline
		cp.CaptureDeadline = &v
	}
	return &cp
}
