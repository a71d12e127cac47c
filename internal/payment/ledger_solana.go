package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// lamports reserved for the signature fee of a single transfer
const solanaTransferFee = 5000

// SolanaConnector transfers native SOL with the system program.
type SolanaConnector struct {
	cm           *utils.ConfigManager
	pollInterval time.Duration
}

func NewSolanaConnector(cm *utils.ConfigManager, pollInterval time.Duration) *SolanaConnector {
	return &SolanaConnector{cm: cm, pollInterval: pollInterval}
}

func (c *SolanaConnector) Connect(ctx context.Context, cred *Credential) (LedgerClient, error) {
	key, err := ParseSolanaKey(cred.PrivateKey)
	if err != nil {
		return nil, err
	}
	endpoint, err := RPCEndpoint(c.cm, cred.Network)
	if err != nil {
		return nil, err
	}

	return &solanaClient{
		rpc:          rpc.New(endpoint),
		key:          key,
		network:      cred.Network,
		pollInterval: c.pollInterval,
	}, nil
}

func (c *SolanaConnector) BalanceOf(ctx context.Context, network string, address string) (uint64, error) {
	endpoint, err := RPCEndpoint(c.cm, network)
	if err != nil {
		return 0, err
	}
	pubKey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	client := rpc.New(endpoint)
	defer client.Close()

	out, err := client.GetBalance(ctx, pubKey, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %v", ErrNetworkUnavailable, err)
	}
	return out.Value, nil
}

type solanaClient struct {
	rpc          *rpc.Client
	key          solana.PrivateKey
	network      string
	pollInterval time.Duration
}

func (s *solanaClient) Address() string { return s.key.PublicKey().String() }
func (s *solanaClient) Network() string { return s.network }
func (s *solanaClient) Close()          { s.rpc.Close() }

func (s *solanaClient) Balance(ctx context.Context) (uint64, error) {
	out, err := s.rpc.GetBalance(ctx, s.key.PublicKey(), rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %v", ErrNetworkUnavailable, err)
	}
	return out.Value, nil
}

func (s *solanaClient) Transfer(ctx context.Context, to string, lamports uint64) (*TransferReceipt, error) {
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	payer := s.key.PublicKey()

	balance, err := s.Balance(ctx)
	if err != nil {
		return nil, err
	}
	if balance < lamports+solanaTransferFee {
		return nil, fmt.Errorf("%w: have %d lamports, need %d", ErrInsufficientFunds, balance, lamports+solanaTransferFee)
	}

	recent, err := s.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("%w: blockhash: %v", ErrNetworkUnavailable, err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, payer, recipient).Build()},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &s.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: rpc.CommitmentFinalized})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient") {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("%w: send: %v", ErrNetworkUnavailable, err)
	}

	receipt := &TransferReceipt{
		TransactionID: sig.String(),
		Status:        TransferPending,
		From:          payer.String(),
		To:            to,
		Amount:        lamports,
		Network:       s.network,
		Timestamp:     time.Now().UTC(),
	}

	return s.waitForSignature(ctx, sig, receipt)
}

func (s *solanaClient) waitForSignature(ctx context.Context, sig solana.Signature, receipt *TransferReceipt) (*TransferReceipt, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		out, err := s.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				receipt.Status = TransferFailed
				receipt.Error = fmt.Sprintf("%v", status.Err)
				return receipt, nil
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized ||
				status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed {
				receipt.Status = TransferSuccess
				receipt.Timestamp = time.Now().UTC()
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return receipt, fmt.Errorf("%w: %s not final: %v", ErrNetworkUnavailable, receipt.TransactionID, ctx.Err())
		case <-ticker.C:
		}
	}
}
