package economy

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is returned by Debit when the balance is short.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientItems is returned by TakeItem when the player lacks the item.
	ErrInsufficientItems = errors.New("insufficient items")
)

// Wallet is the currency side of the identity/virtual-economy service.
type Wallet interface {
	Balance(ctx context.Context, player string, c Currency) (int64, error)
	Credit(ctx context.Context, player string, c Currency, amount int64) error
	Debit(ctx context.Context, player string, c Currency, amount int64) error
}

// Inventory is the item side of the identity/virtual-economy service.
type Inventory interface {
	GrantItem(ctx context.Context, player, itemID string, n int) error
	TakeItem(ctx context.Context, player, itemID string, n int) error
}

// CanonicalWallet resolves currency aliases once, at the service boundary.
type CanonicalWallet struct {
	Inner Wallet
}

// Balance implements Wallet.
func (w CanonicalWallet) Balance(ctx context.Context, player string, c Currency) (int64, error) {
	cur, err := Canonical(string(c))
	if err != nil {
		return 0, err
	}
	return w.Inner.Balance(ctx, player, cur)
}

// Credit implements Wallet.
func (w CanonicalWallet) Credit(ctx context.Context, player string, c Currency, amount int64) error {
	cur, err := Canonical(string(c))
	if err != nil {
		return err
	}
	return w.Inner.Credit(ctx, player, cur, amount)
}

// Debit implements Wallet.
func (w CanonicalWallet) Debit(ctx context.Context, player string, c Currency, amount int64) error {
	cur, err := Canonical(string(c))
	if err != nil {
		return err
	}
	return w.Inner.Debit(ctx, player, cur, amount)
}

// CheckAffordable verifies every line of cost against current balances
// without debiting anything.
func CheckAffordable(ctx context.Context, w Wallet, player string, cost Cost) error {
	for _, cur := range cost.Currencies() {
		bal, err := w.Balance(ctx, player, cur)
		if err != nil {
			return fmt.Errorf("balance %s: %w", cur, err)
		}
		if bal < cost[cur] {
			return fmt.Errorf("%w: need %d %s, have %d", ErrInsufficientFunds, cost[cur], cur, bal)
		}
	}
	return nil
}

// Charge debits every line of cost inside saga, registering a refund for each
// successful debit so a later failure can be reversed.
func Charge(ctx context.Context, saga *Saga, w Wallet, player string, cost Cost) error {
	for _, cur := range cost.Currencies() {
		cur, amount := cur, cost[cur]
		err := saga.Do(ctx, fmt.Sprintf("debit %s %d %s", player, amount, cur),
			func(ctx context.Context) error { return w.Debit(ctx, player, cur, amount) },
			func(ctx context.Context) error { return w.Credit(ctx, player, cur, amount) },
		)
		if err != nil {
			return err
		}
	}
	return nil
}
