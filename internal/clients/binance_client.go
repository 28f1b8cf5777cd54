package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient returns a spot client. Empty credentials are enough for public tickers.
func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	return binance.NewClient(apiKey, apiSecret)
}
