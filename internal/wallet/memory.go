package wallet

import (
	"context"
	"fmt"
	"sync"
)

// MemoryWallet keeps balances in process. Used in memory mode and tests.
type MemoryWallet struct {
	mu       sync.Mutex
	balances map[string]int64
	failNext map[string]error
}

// NewMemoryWallet seeds balances; unknown users start at zero.
func NewMemoryWallet(balances map[string]int64) *MemoryWallet {
	w := &MemoryWallet{balances: make(map[string]int64), failNext: make(map[string]error)}
	for k, v := range balances {
		w.balances[k] = v
	}
	return w
}

func (w *MemoryWallet) HoldTokens(_ context.Context, userID string, amount int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.takeFailure(userID); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("wallet: invalid amount %d", amount)
	}
	if w.balances[userID] < amount {
		return ErrInsufficientFunds
	}
	w.balances[userID] -= amount
	return nil
}

func (w *MemoryWallet) CreditTokens(_ context.Context, userID string, amount int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.takeFailure(userID); err != nil {
		return err
	}
	w.balances[userID] += amount
	return nil
}

// Balance returns the current balance of userID.
func (w *MemoryWallet) Balance(userID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID]
}

// FailNext makes the next call for userID return err.
func (w *MemoryWallet) FailNext(userID string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failNext[userID] = err
}

func (w *MemoryWallet) takeFailure(userID string) error {
	err, ok := w.failNext[userID]
	if !ok {
		return nil
	}
	delete(w.failNext, userID)
	return err
}
