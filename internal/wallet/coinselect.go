// Package wallet - Coin selection.
package wallet

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// Selection is the result of choosing coins for a spend. Total may be less
// than the requested target; callers are expected to check and report the
// shortfall themselves.
type Selection struct {
	Coins []*Coin
	Total btcutil.Amount
}

// Priority returns the relay priority of a transaction of the given
// serialized size spending the selected coins: sum(value * depth) / size.
func (s *Selection) Priority(size int) float64 {
	if size <= 0 {
		return 0
	}
	var coinDepth float64
	for _, c := range s.Coins {
		coinDepth += float64(c.Value) * float64(c.Depth)
	}
	return coinDepth / float64(size)
}

// CoinSelector chooses which unspent outputs fund a spend of the target
// amount.
type CoinSelector interface {
	Select(target btcutil.Amount, candidates []*Coin) *Selection
}

// DefaultSelector picks coins by descending value times confirmation depth,
// spending the oldest and largest coins first. Unconfirmed coins are only
// eligible when they came from our own transactions, unless AllowUnconfirmed
// is set.
type DefaultSelector struct {
	// AllowUnconfirmed permits selecting any unconfirmed coin, not just
	// change from our own transactions. Channel opens use this; for
	// micropayments the risk is acceptable.
	AllowUnconfirmed bool
}

// Select implements CoinSelector.
func (s *DefaultSelector) Select(target btcutil.Amount, candidates []*Coin) *Selection {
	eligible := make([]*Coin, 0, len(candidates))
	for _, c := range candidates {
		if s.spendable(c) {
			eligible = append(eligible, c)
		}
	}

	// Highest value*depth first, then plain value to minimize input count,
	// then txid for a stable total order.
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		ad := int64(a.Value) * int64(a.Depth)
		bd := int64(b.Value) * int64(b.Depth)
		if ad != bd {
			return ad > bd
		}
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		c := bytes.Compare(a.OutPoint.Hash[:], b.OutPoint.Hash[:])
		if c != 0 {
			return c < 0
		}
		return a.OutPoint.Index < b.OutPoint.Index
	})

	sel := &Selection{}
	for _, c := range eligible {
		if sel.Total >= target {
			break
		}
		sel.Coins = append(sel.Coins, c)
		sel.Total += c.Value
	}
	return sel
}

func (s *DefaultSelector) spendable(c *Coin) bool {
	if c.Depth > 0 {
		return true
	}
	return c.FromSelf || s.AllowUnconfirmed
}
