// Package x402 implements the HTTP 402 payment exchange for agent task requests.
//
// A seller wraps its handler with Middleware. An unpaid request gets a 402 with
// a single-use invoice in the PAYMENT-REQUIRED header and body. The buyer pays
// the invoice on the ledger and retries the same request with the proof in
// PAYMENT-SIGNATURE. The Facilitator confirms the transaction, checks it pays
// exactly that invoice, and consumes the invoice so the proof cannot be replayed.
//
// Seller:
//
//	store := x402.NewMemoryInvoiceStore()
//	f, _ := x402.NewFacilitator(x402.FacilitatorConfig{
//	    Ledger:    aptos,
//	    Store:     store,
//	    Recipient: "0x...",
//	})
//
//	handler := x402.Middleware(agentHandler, x402.Config{
//	    Settler:     f,
//	    Pricer:      x402.FlatPrice(2_000_000, "summarize"),
//	    ExemptPaths: []string{"/health"},
//	})
//
// Buyer:
//
//	client, _ := x402.NewClient(x402.ClientConfig{Payer: payer})
//	res, err := client.Do(ctx, x402.Request{URL: url, Body: task, MaxPrice: 5_000_000})
//
// Amounts are integer Octas carried as decimal strings on the wire.
package x402
