package x402

import (
	"context"
)

// SettlementHooks is told about each paid request once its task outcome is
// known. Escrow, registry and reputation modules implement it.
type SettlementHooks interface {
	// RecordSuccess credits provider with a completed task worth volume.
	RecordSuccess(ctx context.Context, provider string, volume Amount) error

	// RecordFailure records a paid task the provider did not complete.
	RecordFailure(ctx context.Context, provider string) error
}

// MultiHooks fans out to several hooks. Every hook runs; the first error is returned.
type MultiHooks []SettlementHooks

// RecordSuccess implements SettlementHooks.
func (m MultiHooks) RecordSuccess(ctx context.Context, provider string, volume Amount) error {
	var first error
	for _, h := range m {
		if err := h.RecordSuccess(ctx, provider, volume); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RecordFailure implements SettlementHooks.
func (m MultiHooks) RecordFailure(ctx context.Context, provider string) error {
	var first error
	for _, h := range m {
		if err := h.RecordFailure(ctx, provider); err != nil && first == nil {
			first = err
		}
	}
	return first
}
