package treasury

import (
	"context"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/domain"
)

// AddAsset starts tracking token. Admin only.
func (l *Ledger) AddAsset(ctx context.Context, caller, token common.Address, symbol string, decimals uint8) error {
	const op = "treasury.AddAsset"
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return domain.Errorf(domain.ErrInvalidParameter, op, "asset symbol is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireAdmin(ctx, op, caller, token.Hex(), map[string]any{"symbol": symbol}); err != nil {
		return err
	}
	if a, ok := l.assets[token]; ok && a.Tracked {
		return domain.EntityError(domain.ErrAlreadyExists, op, entityAsset, token.Hex(), "asset already tracked")
	}
	if _, ok := l.assets[token]; !ok {
		l.assetOrder = append(l.assetOrder, token)
	}
	l.assets[token] = &domain.Asset{Token: token, Symbol: symbol, Decimals: decimals, Tracked: true}
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.AssetAdded,
		Entity:   entityAsset,
		EntityID: token.Hex(),
		Actor:    caller,
		After:    audit.Fields("symbol", symbol, "decimals", strconv.Itoa(int(decimals))),
	})
	l.logger.Info("Asset added", "token", token.Hex(), "symbol", symbol, "actor", caller.Hex())
	return nil
}

// RemoveAsset stops tracking token. The native asset cannot be removed. Balances are kept.
func (l *Ledger) RemoveAsset(ctx context.Context, caller, token common.Address) error {
	const op = "treasury.RemoveAsset"
	if token == domain.NativeAsset {
		return domain.Errorf(domain.ErrInvalidParameter, op, "the native asset is always tracked")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireAdmin(ctx, op, caller, token.Hex(), nil); err != nil {
		return err
	}
	a, ok := l.assets[token]
	if !ok || !a.Tracked {
		return domain.EntityError(domain.ErrNotFound, op, entityAsset, token.Hex(), "asset not tracked")
	}
	a.Tracked = false
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.AssetRemoved,
		Entity:   entityAsset,
		EntityID: token.Hex(),
		Actor:    caller,
		Before:   audit.Fields("tracked", "true"),
		After:    audit.Fields("tracked", "false", "balance", l.balances[token].String()),
	})
	l.logger.Info("Asset removed", "token", token.Hex(), "actor", caller.Hex())
	return nil
}

// Deposit credits amount of a tracked asset to the ledger. Anyone may deposit.
func (l *Ledger) Deposit(ctx context.Context, from, token common.Address, amount decimal.Decimal) error {
	const op = "treasury.Deposit"
	if !amount.IsPositive() {
		return domain.Errorf(domain.ErrInvalidParameter, op, "deposit amount must be positive, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.assets[token]
	if !ok || !a.Tracked {
		return domain.EntityError(domain.ErrNotFound, op, entityAsset, token.Hex(), "asset not tracked")
	}
	before := l.balances[token]
	l.balances[token] = before.Add(amount)
	l.audit.Emit(ctx, audit.Record{
		Type:     audit.DepositReceived,
		Entity:   entityAsset,
		EntityID: token.Hex(),
		Actor:    from,
		Before:   audit.Fields("balance", before.String()),
		After:    audit.Fields("balance", l.balances[token].String(), "amount", amount.String()),
	})
	l.logger.Debug("Deposit received", "token", token.Hex(), "from", from.Hex(), "amount", amount.String())
	return nil
}

// TrackedAssets lists tracked asset tokens, native first.
func (l *Ledger) TrackedAssets() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]common.Address, 0, len(l.assetOrder))
	for _, token := range l.assetOrder {
		if l.assets[token].Tracked {
			out = append(out, token)
		}
	}
	return out
}

// AssetInfo returns the registry entry for token, tracked or not.
func (l *Ledger) AssetInfo(token common.Address) (domain.Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.assets[token]
	if !ok {
		return domain.Asset{}, domain.EntityError(domain.ErrNotFound, "treasury.AssetInfo", entityAsset, token.Hex(), "")
	}
	return *a, nil
}
