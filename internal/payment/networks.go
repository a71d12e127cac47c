package payment

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const (
	FamilyEVM    = "eip155"
	FamilySolana = "solana"
)

// NetworkFamily returns the CAIP-2 namespace of network after checking the
// reference part is well formed.
func NetworkFamily(network string) (string, error) {
	namespace, reference, ok := strings.Cut(network, ":")
	if !ok || reference == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}

	switch namespace {
	case FamilyEVM:
		if _, ok := new(big.Int).SetString(reference, 10); !ok {
			return "", fmt.Errorf("%w: non-numeric chain id in %q", ErrUnsupportedNetwork, network)
		}
	case FamilySolana:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
	return namespace, nil
}

// ChainID returns the numeric chain id of an eip155 network.
func ChainID(network string) (*big.Int, error) {
	family, err := NetworkFamily(network)
	if err != nil {
		return nil, err
	}
	if family != FamilyEVM {
		return nil, fmt.Errorf("%w: %s has no chain id", ErrUnsupportedNetwork, network)
	}
	id, _ := new(big.Int).SetString(strings.TrimPrefix(network, FamilyEVM+":"), 10)
	return id, nil
}

// ValidateAddress checks that address is syntactically valid on network.
func ValidateAddress(network string, address string) error {
	family, err := NetworkFamily(network)
	if err != nil {
		return err
	}

	switch family {
	case FamilyEVM:
		if !common.IsHexAddress(address) {
			return fmt.Errorf("%w: %q is not an EVM address", ErrInvalidAddress, address)
		}
	case FamilySolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("%w: %q is not a Solana address", ErrInvalidAddress, address)
		}
	}
	return nil
}

// SameAddress compares two addresses the way the network does: EVM hex is
// case-insensitive, base58 is not.
func SameAddress(network string, a string, b string) bool {
	if strings.HasPrefix(network, FamilyEVM+":") {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func NativeAsset(network string) string {
	switch {
	case strings.HasPrefix(network, FamilyEVM+":"):
		return "ETH"
	case strings.HasPrefix(network, FamilySolana+":"):
		return "SOL"
	}
	return "UNKNOWN"
}

var defaultRPCEndpoints = map[string]string{
	"eip155:8453":     "https://mainnet.base.org",
	"eip155:84532":    "https://sepolia.base.org",
	"eip155:1":        "https://eth.llamarpc.com",
	"eip155:11155111": "https://ethereum-sepolia-rpc.publicnode.com",

	"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp": rpc.MainNetBeta_RPC,
	"solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1": rpc.DevNet_RPC,
	"solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z": rpc.TestNet_RPC,
	"solana:mainnet-beta":                     rpc.MainNetBeta_RPC,
	"solana:devnet":                           rpc.DevNet_RPC,
	"solana:testnet":                          rpc.TestNet_RPC,
}

// RPCEndpoint resolves the RPC URL for network. `ledger_rpc.<network>`
// overrides the built-in defaults.
func RPCEndpoint(cm *utils.ConfigManager, network string) (string, error) {
	if endpoint := cm.GetConfigWithDefault("ledger_rpc."+network, ""); endpoint != "" {
		return endpoint, nil
	}
	if endpoint, ok := defaultRPCEndpoints[network]; ok {
		return endpoint, nil
	}
	return "", fmt.Errorf("%w: no RPC endpoint for %s", ErrConfiguration, network)
}

// DeriveAddress returns the account address controlled by privateKey.
func DeriveAddress(network string, privateKey string) (string, error) {
	family, err := NetworkFamily(network)
	if err != nil {
		return "", err
	}

	switch family {
	case FamilyEVM:
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	default:
		key, err := ParseSolanaKey(privateKey)
		if err != nil {
			return "", err
		}
		return key.PublicKey().String(), nil
	}
}

// ParseSolanaKey accepts a 64-byte key as base58, hex or a JSON byte array.
func ParseSolanaKey(privateKey string) (solana.PrivateKey, error) {
	if decoded, err := base58.Decode(privateKey); err == nil && len(decoded) == 64 {
		return solana.PrivateKey(decoded), nil
	}

	if strings.HasPrefix(privateKey, "[") && strings.HasSuffix(privateKey, "]") {
		var raw []int
		if err := json.Unmarshal([]byte(privateKey), &raw); err == nil && len(raw) == 64 {
			key := make([]byte, len(raw))
			for i, b := range raw {
				key[i] = byte(b)
			}
			return solana.PrivateKey(key), nil
		}
		return nil, fmt.Errorf("%w: JSON key must hold 64 bytes", ErrInvalidPrivateKey)
	}

	decoded, err := hex.DecodeString(strings.TrimPrefix(privateKey, "0x"))
	if err != nil || len(decoded) != 64 {
		return nil, fmt.Errorf("%w: expected 64 bytes in base58, hex or JSON array", ErrInvalidPrivateKey)
	}
	return solana.PrivateKey(decoded), nil
}
