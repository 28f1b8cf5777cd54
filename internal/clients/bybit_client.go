package clients

import (
	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient returns a v5 client, authenticated only when a key is given.
func NewBybitClient(apiKey, apiSecret string) *bybit.Client {
	client := bybit.NewClient()
	if apiKey != "" {
		client = client.WithAuth(apiKey, apiSecret)
	}
	return client
}
