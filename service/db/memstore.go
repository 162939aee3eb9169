package db

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// MemStore is an in-memory implementation of the Store methods with the same
// idempotency and not-found semantics. It backs unit tests and local runs
// without PostgreSQL.
type MemStore struct {
	mu       sync.Mutex
	bindings map[bindingKey]SplitBinding
	txns     map[txKey]SplitTransaction
	indexes  map[indexKey]SplitIndex
	receipts map[bindingKey]Receipt
	links    map[string]ReceiptTxLink // by receipt id
	linkedTx map[string]string        // tx hash -> receipt id
	now      func() time.Time
	failures map[string]error // op name -> error returned once
}

type bindingKey struct{ id, merchant string }
type txKey struct{ hash, recipient, token string }
type indexKey struct{ merchant, split string }

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		bindings: make(map[bindingKey]SplitBinding),
		txns:     make(map[txKey]SplitTransaction),
		indexes:  make(map[indexKey]SplitIndex),
		receipts: make(map[bindingKey]Receipt),
		links:    make(map[string]ReceiptTxLink),
		linkedTx: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
		failures: make(map[string]error),
	}
}

// FailNext makes the next call to the named method return err.
func (m *MemStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *MemStore) fail(op string) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

// UpsertBinding creates or replaces a split binding.
func (m *MemStore) UpsertBinding(ctx context.Context, b SplitBinding) (*SplitBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertBinding"); err != nil {
		return nil, err
	}

	key := bindingKey{b.DocumentID, b.MerchantWallet}
	now := m.now()
	if existing, ok := m.bindings[key]; ok {
		b.CreatedAt = existing.CreatedAt
	} else if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	b.Recipients = slices.Clone(nonNilRecipients(b.Recipients))
	m.bindings[key] = b
	out := b
	return &out, nil
}

// GetBinding retrieves a binding by document id and merchant wallet.
func (m *MemStore) GetBinding(ctx context.Context, merchantWallet, documentID string) (*SplitBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[bindingKey{documentID, merchantWallet}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &b, nil
}

// ListBindingsBySplitAddress returns bindings for a split contract ordered by creation time.
func (m *MemStore) ListBindingsBySplitAddress(ctx context.Context, splitAddress string) ([]*SplitBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListBindingsBySplitAddress"); err != nil {
		return nil, err
	}
	out := m.filterBindings(func(b SplitBinding) bool { return b.SplitAddress == splitAddress })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListBindingsByMerchant returns a merchant's bindings, most recently updated first.
func (m *MemStore) ListBindingsByMerchant(ctx context.Context, merchantWallet string) ([]*SplitBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterBindings(func(b SplitBinding) bool { return b.MerchantWallet == merchantWallet })
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ListAllBindings returns all bindings ordered by split address then creation time.
func (m *MemStore) ListAllBindings(ctx context.Context) ([]*SplitBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterBindings(func(SplitBinding) bool { return true })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SplitAddress != out[j].SplitAddress {
			return out[i].SplitAddress < out[j].SplitAddress
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteBinding removes a binding.
func (m *MemStore) DeleteBinding(ctx context.Context, merchantWallet, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeleteBinding"); err != nil {
		return err
	}
	delete(m.bindings, bindingKey{documentID, merchantWallet})
	return nil
}

func (m *MemStore) filterBindings(keep func(SplitBinding) bool) []*SplitBinding {
	out := []*SplitBinding{}
	for _, b := range m.bindings {
		if keep(b) {
			b := b
			b.Recipients = slices.Clone(b.Recipients)
			out = append(out, &b)
		}
	}
	// Map order is random; fall back to document id for a stable order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// InsertSplitTransaction writes an event if its key is new.
func (m *MemStore) InsertSplitTransaction(ctx context.Context, t SplitTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertSplitTransaction"); err != nil {
		return false, err
	}
	key := txKey{t.TxHash, t.Recipient, t.Token}
	if _, ok := m.txns[key]; ok {
		return false, nil
	}
	if t.IndexedAt.IsZero() {
		t.IndexedAt = m.now()
	}
	m.txns[key] = t
	return true, nil
}

// ListSplitTransactions returns ledger rows for a split.
func (m *MemStore) ListSplitTransactions(ctx context.Context, params ListSplitTransactionsParams) ([]*SplitTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListSplitTransactions"); err != nil {
		return nil, err
	}

	out := []*SplitTransaction{}
	for _, t := range m.txns {
		if t.SplitAddress != params.SplitAddress {
			continue
		}
		if len(params.TxHashes) > 0 && !slices.Contains(params.TxHashes, t.TxHash) {
			continue
		}
		if params.Kind != "" && t.Kind != params.Kind {
			continue
		}
		t := t
		out = append(out, &t)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if params.NewestFirst {
			a, b = b, a
		}
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		return a.Recipient < b.Recipient
	})

	if params.Limit > 0 && len(out) > int(params.Limit) {
		out = out[:params.Limit]
	}
	return out, nil
}

// CountSplitTransactions counts ledger rows for a split.
func (m *MemStore) CountSplitTransactions(ctx context.Context, splitAddress string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.txns {
		if t.SplitAddress == splitAddress {
			n++
		}
	}
	return n, nil
}

// GetSplitIndex returns the cursor and metrics for a (merchant, split) pair.
func (m *MemStore) GetSplitIndex(ctx context.Context, merchantWallet, splitAddress string) (*SplitIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[indexKey{merchantWallet, splitAddress}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &idx, nil
}

// UpsertSplitIndex writes the cursor and metrics for a (merchant, split) pair.
func (m *MemStore) UpsertSplitIndex(ctx context.Context, idx SplitIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertSplitIndex"); err != nil {
		return err
	}
	m.indexes[indexKey{idx.MerchantWallet, idx.SplitAddress}] = idx
	return nil
}

// UpsertReceipt creates or replaces a receipt.
func (m *MemStore) UpsertReceipt(ctx context.Context, r Receipt) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	r.UpdatedAt = m.now()
	r.StatusHistory = slices.Clone(nonNilHistory(r.StatusHistory))
	m.receipts[bindingKey{r.ReceiptID, r.MerchantWallet}] = r
	out := r
	return &out, nil
}

// GetReceipt retrieves a receipt by id within a merchant's partition.
func (m *MemStore) GetReceipt(ctx context.Context, merchantWallet, receiptID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetReceipt"); err != nil {
		return nil, err
	}
	r, ok := m.receipts[bindingKey{receiptID, merchantWallet}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	r.StatusHistory = slices.Clone(r.StatusHistory)
	return &r, nil
}

// ListReceipts returns a merchant's receipts matching the filter, newest first.
func (m *MemStore) ListReceipts(ctx context.Context, params ListReceiptsParams) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListReceipts"); err != nil {
		return nil, err
	}

	out := []*Receipt{}
	for _, r := range m.receipts {
		if r.MerchantWallet != params.MerchantWallet {
			continue
		}
		if len(params.Statuses) > 0 && !slices.Contains(params.Statuses, r.Status) {
			continue
		}
		if !params.CreatedAfter.IsZero() && r.CreatedAt.Before(params.CreatedAfter) {
			continue
		}
		if params.OnlyUnlinked && r.TransactionHash != "" {
			continue
		}
		r := r
		r.StatusHistory = slices.Clone(r.StatusHistory)
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ReceiptID < out[j].ReceiptID
	})
	return out, nil
}

// ListReceiptsByTxHashes returns a merchant's receipts that already carry one of the given transaction hashes.
func (m *MemStore) ListReceiptsByTxHashes(ctx context.Context, merchantWallet string, txHashes []string) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Receipt{}
	for _, r := range m.receipts {
		if r.MerchantWallet == merchantWallet && r.TransactionHash != "" && slices.Contains(txHashes, r.TransactionHash) {
			r := r
			r.StatusHistory = slices.Clone(r.StatusHistory)
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiptID < out[j].ReceiptID })
	return out, nil
}

// LinkReceipt records a receipt to transaction link and marks the receipt reconciled.
func (m *MemStore) LinkReceipt(ctx context.Context, params LinkReceiptParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LinkReceipt"); err != nil {
		return err
	}

	if _, ok := m.links[params.ReceiptID]; ok {
		return ErrAlreadyLinked
	}
	if _, ok := m.linkedTx[params.TxHash]; ok {
		return ErrAlreadyLinked
	}
	key := bindingKey{params.ReceiptID, params.MerchantWallet}
	r, ok := m.receipts[key]
	if !ok {
		return pgx.ErrNoRows
	}

	linkedAt := params.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = m.now()
	}
	m.links[params.ReceiptID] = ReceiptTxLink{
		ReceiptID:      params.ReceiptID,
		TxHash:         params.TxHash,
		MerchantWallet: params.MerchantWallet,
		LinkedAt:       linkedAt,
		CorrelationID:  params.CorrelationID,
	}
	m.linkedTx[params.TxHash] = params.ReceiptID

	r.Status = ReceiptStatusReconciled
	r.TransactionHash = params.TxHash
	if !params.TxTimestamp.IsZero() {
		ts := params.TxTimestamp
		r.TransactionTimestamp = &ts
	}
	if r.BuyerWallet == "" {
		r.BuyerWallet = params.BuyerWallet
	}
	r.StatusHistory = append(slices.Clone(r.StatusHistory),
		StatusChange{Status: ReceiptStatusReconciled, At: linkedAt, Note: params.Note})
	r.UpdatedAt = linkedAt
	m.receipts[key] = r
	return nil
}

// ListReceiptLinksByTxHashes returns existing links for the given transaction hashes.
func (m *MemStore) ListReceiptLinksByTxHashes(ctx context.Context, txHashes []string) ([]*ReceiptTxLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListReceiptLinksByTxHashes"); err != nil {
		return nil, err
	}
	out := []*ReceiptTxLink{}
	for _, h := range txHashes {
		if id, ok := m.linkedTx[h]; ok {
			l := m.links[id]
			out = append(out, &l)
		}
	}
	return out, nil
}
