// Package providertest holds in-memory collaborators for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/mintflow/internal/providers/gateway"
	"github.com/smallbiznis/mintflow/internal/providers/identity"
	"github.com/smallbiznis/mintflow/internal/providers/minting"
)

// Gateway hands out sequential request ids req-1, req-2, ...
type Gateway struct {
	mu    sync.Mutex
	calls []gateway.CreatePaymentRequestInput
	Err   error
}

func (g *Gateway) CreatePaymentRequest(_ context.Context, in gateway.CreatePaymentRequestInput) (gateway.PaymentRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return gateway.PaymentRequest{}, g.Err
	}
	g.calls = append(g.calls, in)
	id := fmt.Sprintf("req-%d", len(g.calls))
	return gateway.PaymentRequest{ID: id, URL: "https://pay.example/" + id}, nil
}

func (g *Gateway) Calls() []gateway.CreatePaymentRequestInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.CreatePaymentRequestInput(nil), g.calls...)
}

// Identity resolves handles from a fixed map and treats tokens as handles.
type Identity struct {
	mu       sync.Mutex
	Accounts map[string]string
	Err      error
}

func NewIdentity(accounts map[string]string) *Identity {
	return &Identity{Accounts: accounts}
}

func (i *Identity) Authenticate(_ context.Context, token string) (identity.Account, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Err != nil {
		return identity.Account{}, i.Err
	}
	accountID, ok := i.Accounts[token]
	if !ok {
		return identity.Account{}, identity.ErrUnauthenticated
	}
	return identity.Account{AccountID: accountID, Handle: token}, nil
}

func (i *Identity) ResolveAccount(_ context.Context, handle string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Err != nil {
		return "", i.Err
	}
	return i.Accounts[handle], nil
}

// Minter returns one item per call and counts calls per idempotency key.
type Minter struct {
	mu     sync.Mutex
	inputs []minting.CreateItemsInput
	Err    error
	// Gate, when set, blocks CreateItems until it is closed.
	Gate chan struct{}
}

func (m *Minter) CreateItems(ctx context.Context, in minting.CreateItemsInput) ([]minting.Item, error) {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	if m.Err != nil {
		return nil, m.Err
	}
	items := make([]minting.Item, 0, in.Quantity)
	for n := 1; n <= in.Quantity; n++ {
		items = append(items, minting.Item{
			ID:          fmt.Sprintf("item-%s-%d", in.IdempotencyKey, n),
			TemplateRef: in.TemplateRef,
		})
	}
	return items, nil
}

func (m *Minter) Inputs() []minting.CreateItemsInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]minting.CreateItemsInput(nil), m.inputs...)
}

func (m *Minter) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}
