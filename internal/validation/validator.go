// Package validation checks identifiers supplied over the admin surface.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EthereumAddressPattern is the regex pattern for Ethereum addresses
var EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// MaxApprovedAccounts bounds how many accounts one approval may disclose
const MaxApprovedAccounts = 32

// ValidateEthereumAddress validates an Ethereum account address
func ValidateEthereumAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid Ethereum address")
	}

	if strings.ToLower(address) == zeroAddress {
		return fmt.Errorf("zero address cannot be disclosed")
	}

	return nil
}

// NormalizeAccounts validates approved accounts and returns them checksummed,
// without duplicates, in their original order.
func NormalizeAccounts(accounts []string) ([]string, error) {
	if len(accounts) > MaxApprovedAccounts {
		return nil, fmt.Errorf("too many accounts: %d > %d", len(accounts), MaxApprovedAccounts)
	}

	seen := make(map[common.Address]struct{}, len(accounts))
	out := make([]string, 0, len(accounts))
	for i, a := range accounts {
		a = strings.TrimSpace(a)
		if err := ValidateEthereumAddress(a); err != nil {
			return nil, fmt.Errorf("accounts[%d]: %w", i, err)
		}
		addr := common.HexToAddress(a)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr.Hex())
	}
	return out, nil
}
