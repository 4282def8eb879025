package auth

import (
	"net/http"

	"github.com/samber/lo"
)

// ChainAuthenticator tries authenticators in order; first success wins.
type ChainAuthenticator struct {
	authenticators []Authenticator
}

// NewChainAuthenticator creates a chain. An empty chain rejects everything.
func NewChainAuthenticator(authenticators ...Authenticator) *ChainAuthenticator {
	return &ChainAuthenticator{authenticators: authenticators}
}

// Validate returns the first successful result, or the last failure.
func (c *ChainAuthenticator) Validate(r *http.Request) Result {
	if len(c.authenticators) == 0 {
		return Result{Type: TypeNone, Error: "no authentication configured"}
	}

	result := lo.Reduce(c.authenticators, func(acc Result, a Authenticator, _ int) Result {
		if acc.Valid {
			return acc
		}
		return a.Validate(r)
	}, Result{Type: TypeNone})

	if !result.Valid {
		return Result{Type: TypeNone, Error: result.Error}
	}
	return result
}

// Type returns TypeNone since the chain is a meta-authenticator.
func (c *ChainAuthenticator) Type() Type {
	return TypeNone
}
