package xt

import (
	"context"
	"net/http"
	"strings"

	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/wire"
)

type balancesResult struct {
	Assets []assetBalance `json:"assets"`
}

type assetBalance struct {
	Currency        string      `json:"currency"`
	AvailableAmount wire.Number `json:"availableAmount"`
	FrozenAmount    wire.Number `json:"frozenAmount"`
	TotalAmount     wire.Number `json:"totalAmount"`
}

// Balances fetches the full account balance snapshot.
func (c *Client) Balances(ctx context.Context) ([]venue.Balance, error) {
	var out balancesResult
	err := c.do(ctx, request{
		op:     "account.balances",
		method: http.MethodGet,
		path:   c.opts.metadata.balancesPath,
		signed: true,
		retry:  true,
	}, &out)
	if err != nil {
		return nil, err
	}
	balances := make([]venue.Balance, 0, len(out.Assets))
	for _, a := range out.Assets {
		asset := strings.ToUpper(strings.TrimSpace(a.Currency))
		if asset == "" {
			continue
		}
		total := a.TotalAmount.Dec()
		if !a.TotalAmount.Set {
			total = a.AvailableAmount.Dec().Add(a.FrozenAmount.Dec())
		}
		balances = append(balances, venue.Balance{Asset: asset, Total: total, Frozen: a.FrozenAmount.Dec()})
	}
	return balances, nil
}
