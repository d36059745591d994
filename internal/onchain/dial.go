package onchain

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
)

func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return client, nil
}
