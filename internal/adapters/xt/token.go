package xt

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coachpo/ordersync/errs"
)

type tokenResult struct {
	AccessToken string `json:"accessToken"`
}

// IssueToken requests a new private stream token.
func (c *Client) IssueToken(ctx context.Context) (string, error) {
	var out tokenResult
	err := c.do(ctx, request{
		op:     "token.issue",
		method: http.MethodPost,
		path:   c.opts.metadata.tokenPath,
		signed: true,
		retry:  true,
	}, &out)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(out.AccessToken)
	if token == "" {
		return "", errs.New(c.Name(), errs.CodeExchange, errs.WithMessage("token issue returned empty token"))
	}
	return token, nil
}

// ExtendToken extends the lifetime of token. A venue rejection is reported as an auth renewal
// failure; transport failures stay transient.
func (c *Client) ExtendToken(ctx context.Context, token string) error {
	query := url.Values{}
	query.Set("listenKey", token)
	err := c.do(ctx, request{
		op:     "token.extend",
		method: http.MethodPut,
		path:   c.opts.metadata.tokenPath,
		query:  query,
		signed: true,
	}, nil)
	if err == nil || errs.IsCancellation(err) || errs.IsTransient(err) {
		return err
	}
	return errs.AuthRenewal(c.Name(), "session token extension rejected", errs.WithCause(err))
}
