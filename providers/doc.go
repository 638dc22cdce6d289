// Package providers defines the contract for external identity providers that
// local identities can be federated with.
//
// A federated login is two calls on a Provider: ExchangeCode trades the code
// delivered to the callback for provider tokens, and UserInfo resolves the
// account behind them. Identify runs both and refuses accounts whose email the
// provider has not verified, since the email is what links a provider account
// to an existing local identity.
//
// Implementations are provided in subpackages:
//   - providers/google: Google OAuth 2.0 / OpenID Connect
//   - providers/mock: configurable provider for tests
package providers
