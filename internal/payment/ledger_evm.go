package payment

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const nativeTransferGas = 21000

// EVMConnector transfers native value on eip155 chains.
type EVMConnector struct {
	cm           *utils.ConfigManager
	pollInterval time.Duration
}

func NewEVMConnector(cm *utils.ConfigManager, pollInterval time.Duration) *EVMConnector {
	return &EVMConnector{cm: cm, pollInterval: pollInterval}
}

func (c *EVMConnector) dial(ctx context.Context, network string) (*ethclient.Client, *big.Int, error) {
	chainID, err := ChainID(network)
	if err != nil {
		return nil, nil, err
	}
	endpoint, err := RPCEndpoint(c.cm, network)
	if err != nil {
		return nil, nil, err
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", ErrNetworkUnavailable, network, err)
	}
	return client, chainID, nil
}

func (c *EVMConnector) Connect(ctx context.Context, cred *Credential) (LedgerClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cred.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	client, chainID, err := c.dial(ctx, cred.Network)
	if err != nil {
		return nil, err
	}

	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: chain id: %v", ErrNetworkUnavailable, err)
	}
	if remoteID.Cmp(chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("%w: RPC serves chain %s, expected %s", ErrConfiguration, remoteID, chainID)
	}

	return &evmClient{
		client:       client,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		network:      cred.Network,
		pollInterval: c.pollInterval,
	}, nil
}

func (c *EVMConnector) BalanceOf(ctx context.Context, network string, address string) (uint64, error) {
	client, _, err := c.dial(ctx, network)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	balance, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %v", ErrNetworkUnavailable, err)
	}
	return clampUint64(balance), nil
}

type evmClient struct {
	client       *ethclient.Client
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	network      string
	pollInterval time.Duration
}

func (e *evmClient) Address() string { return e.from.Hex() }
func (e *evmClient) Network() string { return e.network }
func (e *evmClient) Close()          { e.client.Close() }

func (e *evmClient) Balance(ctx context.Context) (uint64, error) {
	balance, err := e.client.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %v", ErrNetworkUnavailable, err)
	}
	return clampUint64(balance), nil
}

func (e *evmClient) Transfer(ctx context.Context, to string, amount uint64) (*TransferReceipt, error) {
	value := new(big.Int).SetUint64(amount)

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrNetworkUnavailable, err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrNetworkUnavailable, err)
	}
	balance, err := e.client.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrNetworkUnavailable, err)
	}

	cost := new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas))
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance, cost)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(to), value, nativeTransferGas, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("%w: send: %v", ErrNetworkUnavailable, err)
	}

	receipt := &TransferReceipt{
		TransactionID: signed.Hash().Hex(),
		Status:        TransferPending,
		From:          e.from.Hex(),
		To:            to,
		Amount:        amount,
		Network:       e.network,
		Timestamp:     time.Now().UTC(),
	}

	return e.waitForReceipt(ctx, signed.Hash(), receipt)
}

func (e *evmClient) waitForReceipt(ctx context.Context, hash common.Hash, receipt *TransferReceipt) (*TransferReceipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		r, err := e.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			receipt.Status = TransferFailed
			if r.Status == types.ReceiptStatusSuccessful {
				receipt.Status = TransferSuccess
			} else {
				receipt.Error = "transaction reverted"
			}
			if header, herr := e.client.HeaderByNumber(ctx, r.BlockNumber); herr == nil {
				receipt.Timestamp = time.Unix(int64(header.Time), 0).UTC()
			}
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			// transient RPC failure, keep polling until the deadline
		}

		select {
		case <-ctx.Done():
			return receipt, fmt.Errorf("%w: %s not final: %v", ErrNetworkUnavailable, receipt.TransactionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func clampUint64(v *big.Int) uint64 {
	if v.IsUint64() {
		return v.Uint64()
	}
	return math.MaxUint64
}
