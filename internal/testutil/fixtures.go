package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/storage"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// DefaultTransaction returns a plain shopping transaction two days old.
func DefaultTransaction(userID string) core.Transaction {
	return core.Transaction{
		ID:         "tx-" + RandomID(),
		UserID:     userID,
		Merchant:   "Amazon",
		Category:   "shopping",
		Amount:     45.99,
		OccurredAt: time.Now().Add(-2 * 24 * time.Hour),
	}
}

// TransactionBuilder builds transactions with a fluent interface.
type TransactionBuilder struct {
	tx core.Transaction
}

// NewTransaction creates a new transaction builder.
func NewTransaction(userID string) *TransactionBuilder {
	return &TransactionBuilder{tx: DefaultTransaction(userID)}
}

func (b *TransactionBuilder) WithID(id string) *TransactionBuilder {
	b.tx.ID = id
	return b
}

func (b *TransactionBuilder) WithMerchant(merchant string) *TransactionBuilder {
	b.tx.Merchant = merchant
	return b
}

func (b *TransactionBuilder) WithCategory(category string) *TransactionBuilder {
	b.tx.Category = category
	return b
}

func (b *TransactionBuilder) WithAmount(amount float64) *TransactionBuilder {
	b.tx.Amount = amount
	return b
}

func (b *TransactionBuilder) At(t time.Time) *TransactionBuilder {
	b.tx.OccurredAt = t
	return b
}

// Build returns the transaction.
func (b *TransactionBuilder) Build() core.Transaction {
	return b.tx
}

// History returns n transactions for the user spaced one step apart and
// ending one step before end. IDs are deterministic: <userID>-h<i>.
func History(userID string, n int, end time.Time, step time.Duration) []core.Transaction {
	out := make([]core.Transaction, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, NewTransaction(userID).
			WithID(fmt.Sprintf("%s-h%d", userID, i)).
			At(end.Add(-time.Duration(n-i) * step)).
			Build())
	}
	return out
}

// Seed appends the transactions to the store.
func Seed(t *testing.T, store storage.TransactionStore, txs []core.Transaction) {
	t.Helper()
	for _, tx := range txs {
		if err := store.AppendTransaction(context.Background(), tx); err != nil {
			t.Fatalf("seed transaction %s: %v", tx.ID, err)
		}
	}
}
