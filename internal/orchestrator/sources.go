package orchestrator

import (
	"github.com/benthamlabs/bentham/internal/account"
	"github.com/benthamlabs/bentham/internal/credpool"
	"github.com/benthamlabs/bentham/internal/proxy"
	"github.com/benthamlabs/bentham/internal/vault"
)

// AccountSource is the slice of the account manager workers need.
type AccountSource interface {
	Checkout(req account.CheckoutRequest) (account.Checkout, error)
	Checkin(checkoutID string, success bool) bool
}

// ProxySource is the slice of the proxy manager workers need.
type ProxySource interface {
	RequestProxy(req proxy.Request) (proxy.Assignment, error)
	ReportUsage(proxyID, target string, success bool)
}

// CredentialSource is the slice of the credential pool manager workers need.
type CredentialSource interface {
	GetNext(surfaceID string) (vault.Credential, error)
	ReportSuccess(surfaceID, credentialID string)
	ReportError(surfaceID, credentialID string)
}

var (
	_ AccountSource    = (*account.Manager)(nil)
	_ ProxySource      = (*proxy.Manager)(nil)
	_ CredentialSource = (*credpool.Manager)(nil)
)
