// Package google federates local identities with Google accounts.
//
// The provider drives Google's authorization code flow through
// golang.org/x/oauth2 with PKCE, then resolves the account through the
// OpenID Connect userinfo endpoint. The default scopes are openid, email and
// profile, which is all a federated login needs.
//
//	provider, err := google.NewProvider(&google.Config{
//	    ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	    RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URI"),
//	})
package google
