package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/flowpipe/internal/action"
)

// SolanaMainnetRPC is the default cluster endpoint.
var SolanaMainnetRPC = rpc.MainNetBeta_RPC

var lamportsPerSOL = decimal.NewFromInt(int64(solana.LAMPORTS_PER_SOL))

// ErrInvalidAmount is returned for a SOL amount that is not a positive
// decimal representable in whole lamports.
var ErrInvalidAmount = errors.New("invalid SOL amount")

// ToLamports converts a decimal SOL string to lamports exactly.
func ToLamports(amount string) (uint64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}
	l := d.Mul(lamportsPerSOL)
	if !l.Equal(l.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q is finer than one lamport", ErrInvalidAmount, amount)
	}
	if !l.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidAmount, amount)
	}
	return l.BigInt().Uint64(), nil
}

// Transferer moves lamports from the wallet of privateKey to a recipient.
type Transferer interface {
	Transfer(ctx context.Context, privateKey, to string, lamports uint64) (string, error)
}

// RPCTransferer submits system transfers through a Solana JSON-RPC endpoint
// and waits for confirmation.
type RPCTransferer struct {
	Endpoint     string
	PollInterval time.Duration
}

// Transfer signs and sends the transfer, then polls until the signature is
// confirmed, fails on chain, or ctx ends.
func (t RPCTransferer) Transfer(ctx context.Context, privateKey, to string, lamports uint64) (string, error) {
	from, err := solana.PrivateKeyFromBase58(privateKey)
	if err != nil {
		return "", errors.New("decode private key failed")
	}
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("recipient address %q: %w", to, err)
	}

	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = SolanaMainnetRPC
	}
	client := rpc.New(endpoint)

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, from.PublicKey(), recipient).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(from.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from.PublicKey()) {
			return &from
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := client.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	return sig.String(), t.awaitConfirmation(ctx, client, sig)
}

func (t RPCTransferer) awaitConfirmation(ctx context.Context, client *rpc.Client, sig solana.Signature) error {
	interval := t.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s failed: %v", sig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction %s not confirmed: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SolanaExecutor runs KindSolana transfers.
type SolanaExecutor struct {
	Transferer Transferer
}

func (SolanaExecutor) Kind() action.Kind { return action.KindSolana }

func (x SolanaExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	md, ok := req.Metadata.(action.SolanaMetadata)
	if !ok {
		return Outcome{}, mismatch(action.KindSolana, req.Metadata)
	}
	kp, ok := req.Credential.(action.Keypair)
	if !ok {
		return Outcome{}, mismatch(action.KindSolana, req.Credential)
	}

	vals, err := renderAll(req.Render, "to", md.To, "amount", md.Amount)
	if err != nil {
		return Outcome{}, err
	}
	lamports, err := ToLamports(vals[1])
	if err != nil {
		return Outcome{}, err
	}

	if _, err := x.Transferer.Transfer(ctx, kp.PrivateKey, vals[0], lamports); err != nil {
		return Outcome{}, fmt.Errorf("transfer failed: %w", err)
	}
	return Outcome{}, nil
}
