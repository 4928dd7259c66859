package sweeper

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"sweepd/registry"
)

// Minimal ABI fragments: one balance query and one transfer encode per token
// kind. Anything richer belongs to the operator layer.
const (
	erc20ABI = `[
		{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
	]`
	erc721ABI = `[
		{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"transferFrom","outputs":[],"type":"function"}
	]`
	erc1155ABI = `[
		{"constant":true,"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"name":"safeTransferFrom","outputs":[],"type":"function"}
	]`
)

var (
	fungibleABI    = mustParseABI(erc20ABI)
	nonFungibleABI = mustParseABI(erc721ABI)
	multiTokenABI  = mustParseABI(erc1155ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// tokenCodec is the per-kind encoding strategy, selected once from the
// watch's kind instead of re-derived from a standard string per transfer.
type tokenCodec struct {
	kind     registry.TokenKind
	gasLimit uint64
}

// Gas limits per kind match the source deployment's observed ceilings for
// plain transfers of each standard.
func codecFor(kind registry.TokenKind) (tokenCodec, error) {
	switch kind {
	case registry.KindFungible:
		return tokenCodec{kind: kind, gasLimit: 100_000}, nil
	case registry.KindNonFungible:
		return tokenCodec{kind: kind, gasLimit: 150_000}, nil
	case registry.KindMultiToken:
		return tokenCodec{kind: kind, gasLimit: 200_000}, nil
	default:
		return tokenCodec{}, fmt.Errorf("sweeper: no codec for token kind %s", kind)
	}
}

// balanceCall packs the balance query for the watch.
func (c tokenCodec) balanceCall(owner common.Address, tokenID *big.Int) ([]byte, error) {
	switch c.kind {
	case registry.KindFungible:
		return fungibleABI.Pack("balanceOf", owner)
	case registry.KindNonFungible:
		return nonFungibleABI.Pack("balanceOf", owner)
	case registry.KindMultiToken:
		if tokenID == nil {
			return nil, fmt.Errorf("sweeper: multi-token watch requires a token id")
		}
		return multiTokenABI.Pack("balanceOf", owner, tokenID)
	default:
		return nil, fmt.Errorf("sweeper: no balance call for kind %s", c.kind)
	}
}

// unpackBalance decodes the uint256 result of a balance call.
func (c tokenCodec) unpackBalance(data []byte) (*big.Int, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("sweeper: empty balance result")
	}
	var source abi.ABI
	switch c.kind {
	case registry.KindFungible:
		source = fungibleABI
	case registry.KindNonFungible:
		source = nonFungibleABI
	case registry.KindMultiToken:
		source = multiTokenABI
	}
	out, err := source.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("sweeper: unpack balance: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("sweeper: unexpected balance type %T", out[0])
	}
	return balance, nil
}

// transferCall packs the transfer moving the full balance to the recipient.
func (c tokenCodec) transferCall(owner, recipient common.Address, balance, tokenID *big.Int) ([]byte, error) {
	switch c.kind {
	case registry.KindFungible:
		return fungibleABI.Pack("transfer", recipient, balance)
	case registry.KindNonFungible:
		if tokenID == nil {
			return nil, fmt.Errorf("sweeper: non-fungible watch requires a token id")
		}
		return nonFungibleABI.Pack("transferFrom", owner, recipient, tokenID)
	case registry.KindMultiToken:
		if tokenID == nil {
			return nil, fmt.Errorf("sweeper: multi-token watch requires a token id")
		}
		return multiTokenABI.Pack("safeTransferFrom", owner, recipient, tokenID, balance, []byte{})
	default:
		return nil, fmt.Errorf("sweeper: no transfer call for kind %s", c.kind)
	}
}
