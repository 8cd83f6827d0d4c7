// Package internal holds helpers shared by the aether binaries.
package internal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// CorrelationHeader carries a request correlation id across services.
const CorrelationHeader = "X-Correlation-Id"

// GenerateToken returns prefix followed by 32 random hex characters.
func GenerateToken(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("internal: crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

type correlationKey struct{}

// CorrelationID returns the id attached by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithCorrelationID reuses an incoming correlation id or mints one, echoes it
// in the response and stores it in the request context.
func WithCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" || len(id) > 128 {
			id = GenerateToken("req_")
			r.Header.Set(CorrelationHeader, id)
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}
