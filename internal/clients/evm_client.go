package clients

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// DialEVM connects to an Ethereum-compatible JSON-RPC endpoint and checks that it
// serves the expected chain id.
func DialEVM(ctx context.Context, url string, wantChainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}

	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "query chain id")
	}
	if wantChainID != 0 && id.Cmp(big.NewInt(wantChainID)) != 0 {
		client.Close()
		return nil, errors.Errorf("endpoint %s serves chain %s, expected %d", url, id, wantChainID)
	}

	return client, nil
}
