package delegation

import (
	"context"
	"fmt"

	"github.com/siddimore/aether-x402/pkg/x402"
)

// Payer pays x402 invoices from a delegation session.
type Payer struct {
	manager *Manager
	session *Session
}

var _ x402.Payer = (*Payer)(nil)

// NewPayer binds a session to the manager that meters it.
func NewPayer(m *Manager, s *Session) *Payer {
	return &Payer{manager: m, session: s}
}

// Session returns the bound session.
func (p *Payer) Session() *Session {
	return p.session
}

// Pay transfers the invoice amount to its recipient and returns the proof.
func (p *Payer) Pay(ctx context.Context, invoice *x402.PaymentRequirement) (*x402.PaymentProof, error) {
	result, err := p.manager.SignAndSubmit(ctx, p.session, TransferIntent(invoice.Recipient, invoice.Amount))
	if err != nil {
		return nil, fmt.Errorf("pay %s: %w", invoice.RequestID, err)
	}

	signer := p.manager.signerOf(p.session)
	view := p.manager.Snapshot(p.session)
	return &x402.PaymentProof{
		TransactionHash: result.Hash,
		SignerPublicKey: signer.PublicKey(),
		SignatureMetadata: map[string]string{
			"scheme":        "keyless",
			"issuer":        signer.Issuer(),
			"sessionId":     view.ID,
			"authKey":       signer.AuthenticationKey(),
			"ledgerVersion": fmt.Sprintf("%d", result.Transaction.Version),
		},
		Timestamp: p.manager.now().UTC(),
		RequestID: invoice.RequestID,
		Sender:    view.OwnerAddress,
	}, nil
}
