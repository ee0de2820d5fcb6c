// Package chain reads stable-token balances directly from an EVM chain. It
// backs the deposit reconciler when the upstream balance API is unavailable
// and serves as the second leg of ledger verification.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AgentHive-Network/credit_layer/internal/config"
)

// minimal ERC20 ABI, balanceOf only
const erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// Reader resolves stable-token balances for deposit addresses.
type Reader struct {
	client   *ethclient.Client
	contract common.Address
	erc      abi.ABI
	scale    *big.Float
}

// NewReader dials the configured RPC endpoint. Decimals defines the token's
// smallest-unit scaling.
func NewReader(cfg config.ChainConfig) (*Reader, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	erc, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals)), nil))
	return &Reader{
		client:   client,
		contract: common.HexToAddress(cfg.TokenContract),
		erc:      erc,
		scale:    scale,
	}, nil
}

// Balance returns the token balance of address in whole-token units.
func (r *Reader) Balance(ctx context.Context, address string) (float64, error) {
	data, err := r.erc.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}

	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call balanceOf: %w", err)
	}

	out, err := r.erc.Unpack("balanceOf", raw)
	if err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("unexpected balanceOf output arity %d", len(out))
	}
	units, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected balanceOf output type %T", out[0])
	}

	value, _ := new(big.Float).Quo(new(big.Float).SetInt(units), r.scale).Float64()
	return value, nil
}

// Close releases the RPC connection.
func (r *Reader) Close() {
	r.client.Close()
}
