package nats

import (
	"context"
	"sync"

	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/split"
)

// MockPublisher is an in-memory split.Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	transactions []*SplitTransactionEvent
	receipts     []*ReceiptReconciledEvent
	publishError error
	closed       bool
}

var _ split.Publisher = (*MockPublisher)(nil)

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishSplitTransactions records the events and returns any configured error.
func (m *MockPublisher) PublishSplitTransactions(ctx context.Context, splitAddress string, txns []*db.SplitTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	for _, txn := range txns {
		m.transactions = append(m.transactions, FromSplitTransaction(txn))
	}
	return nil
}

// PublishReceiptReconciled records the event and returns any configured error.
func (m *MockPublisher) PublishReceiptReconciled(ctx context.Context, event split.ReceiptReconciled) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.receipts = append(m.receipts, FromReceiptReconciled(event))
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedTransactions returns a copy of all published transaction events.
func (m *MockPublisher) GetPublishedTransactions() []*SplitTransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*SplitTransactionEvent, len(m.transactions))
	copy(events, m.transactions)
	return events
}

// GetPublishedTransactionsForSplit returns events published for a specific split.
func (m *MockPublisher) GetPublishedTransactionsForSplit(splitAddress string) []*SplitTransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*SplitTransactionEvent, 0)
	for _, event := range m.transactions {
		if event.SplitAddress == splitAddress {
			events = append(events, event)
		}
	}
	return events
}

// GetPublishedReceipts returns a copy of all published receipt events.
func (m *MockPublisher) GetPublishedReceipts() []*ReceiptReconciledEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*ReceiptReconciledEvent, len(m.receipts))
	copy(events, m.receipts)
	return events
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = nil
	m.receipts = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
