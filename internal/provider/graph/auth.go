package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// defaultScope requests the application permissions granted to the client.
const defaultScope = "https://graph.microsoft.com/.default"

// tokenSource hands out cached client-credentials tokens. invalidate drops
// the cache so the next call fetches a fresh token, which is what a 401
// from the Graph API calls for.
type tokenSource struct {
	mu     sync.Mutex
	config *clientcredentials.Config
	client *http.Client
	src    oauth2.TokenSource
}

func newTokenSource(tokenURL, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{defaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
	}
}

// Token returns a valid access token. The token endpoint is called with the
// provider's HTTP client; the source outlives the caller's deadline.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.src == nil {
		ts.src = ts.config.TokenSource(context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, ts.client))
	}
	tok, err := ts.src.Token()
	if err != nil {
		ts.src = nil
		return "", fmt.Errorf("failed to acquire access token: %w", err)
	}
	return tok.AccessToken, nil
}

func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	ts.src = nil
	ts.mu.Unlock()
}
