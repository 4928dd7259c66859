package registry

import (
	"fmt"
	"strings"
)

// TokenKind identifies the transfer encoding used for a watched token. The
// kind is resolved once when the watch is registered; the sweep path never
// re-derives it from the registry's standard strings.
type TokenKind uint8

const (
	// KindFungible covers erc20-style balances moved with transfer(to, amount).
	KindFungible TokenKind = iota
	// KindNonFungible covers erc721-style tokens moved with transferFrom.
	KindNonFungible
	// KindMultiToken covers erc1155-style balances moved with safeTransferFrom.
	KindMultiToken
)

// String returns the canonical lower-case name of the kind.
func (k TokenKind) String() string {
	switch k {
	case KindFungible:
		return "fungible"
	case KindNonFungible:
		return "nonfungible"
	case KindMultiToken:
		return "multitoken"
	default:
		return fmt.Sprintf("tokenkind(%d)", uint8(k))
	}
}

// ParseTokenKind maps a registry standard identifier (erc20, bep721, ...)
// onto its transfer encoding. Unknown standards are a configuration error
// for the referencing asset, not a fatal one.
func ParseTokenKind(standard string) (TokenKind, error) {
	switch strings.ToLower(strings.TrimSpace(standard)) {
	case "erc20", "bep20", "fungible":
		return KindFungible, nil
	case "erc721", "bep721", "nonfungible", "nft":
		return KindNonFungible, nil
	case "erc1155", "multitoken":
		return KindMultiToken, nil
	default:
		return 0, fmt.Errorf("registry: unsupported token standard %q", standard)
	}
}
