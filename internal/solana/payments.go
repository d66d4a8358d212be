package solana

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mr-tron/base58"
)

// A ValidationError describes why a confirmed transaction is not an
// acceptable payment. Code is stable and returned to clients.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payment is a validated incoming USDC transfer.
type Payment struct {
	Signature               string
	Reference               string // empty when the tx carries no reference
	AmountMicro             int64
	Mint                    string
	DestinationTokenAccount string
	Slot                    uint64
	BlockTime               *int64
	FeePayer                string
}

// LookupResult is either a payment the node has not confirmed yet (Pending)
// or a fully validated one.
type LookupResult struct {
	Pending bool
	Payment *Payment
}

// Verifier validates transactions against a single merchant configuration.
type Verifier struct {
	client      *Client
	mint        string
	merchantATA string
}

func NewVerifier(client *Client, usdcMint, merchantWallet string) (*Verifier, error) {
	mint, err := ParsePublicKey(usdcMint)
	if err != nil {
		return nil, fmt.Errorf("usdc mint: %w", err)
	}
	wallet, err := ParsePublicKey(merchantWallet)
	if err != nil {
		return nil, fmt.Errorf("merchant wallet: %w", err)
	}
	ata, err := FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return nil, fmt.Errorf("derive merchant token account: %w", err)
	}
	return &Verifier{client: client, mint: usdcMint, merchantATA: ata.String()}, nil
}

// MerchantTokenAccount returns the derived destination account payments
// must land on.
func (v *Verifier) MerchantTokenAccount() string {
	return v.merchantATA
}

// ValidSignatureFormat reports whether s decodes to a 64-byte ed25519
// signature. Checked before spending an RPC round trip.
func ValidSignatureFormat(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 64
}

// LookupPaymentBySignature fetches the transaction and validates it as a
// USDC payment to the merchant. Unknown signatures return Pending.
func (v *Verifier) LookupPaymentBySignature(ctx context.Context, signature string) (LookupResult, error) {
	tx, err := v.client.GetTransaction(ctx, signature)
	if err != nil {
		return LookupResult{}, err
	}
	if tx == nil {
		return LookupResult{Pending: true}, nil
	}
	payment, err := v.parsePayment(tx, signature)
	if err != nil {
		return LookupResult{}, err
	}
	return LookupResult{Payment: payment}, nil
}

func (v *Verifier) parsePayment(tx *TransactionResult, signature string) (*Payment, error) {
	if tx.Meta == nil {
		return nil, &ValidationError{Code: "missing_meta", Message: "transaction metadata unavailable"}
	}
	if tx.Meta.Err != nil {
		return nil, &ValidationError{
			Code:    "transaction_failed",
			Message: "transaction execution failed",
			Details: map[string]any{"error": tx.Meta.Err},
		}
	}

	accountKeys := tx.accountKeys()
	instructions := tx.Transaction.Message.Instructions

	var tokenIx *CompiledInstruction
	for i := range instructions {
		ix := &instructions[i]
		if ix.ProgramIDIndex < len(accountKeys) && accountKeys[ix.ProgramIDIndex] == TokenProgramID {
			tokenIx = ix
			break
		}
	}
	if tokenIx == nil {
		return nil, &ValidationError{Code: "no_token_transfer", Message: "transaction does not include an SPL token transfer"}
	}
	if len(tokenIx.Accounts) < 2 {
		return nil, &ValidationError{Code: "invalid_token_instruction", Message: "token transfer instruction malformed"}
	}

	destIndex := tokenIx.Accounts[1]
	if destIndex >= len(accountKeys) {
		return nil, &ValidationError{Code: "missing_destination", Message: "destination token account missing from transaction"}
	}
	destination := accountKeys[destIndex]

	if destination != v.merchantATA {
		return nil, &ValidationError{
			Code:    "wrong_destination",
			Message: "transfer destination does not match merchant account",
			Details: map[string]any{"destinationTokenAccount": destination, "expected": v.merchantATA},
		}
	}

	post := findTokenBalance(tx.Meta.PostTokenBalances, destIndex)
	if post == nil {
		return nil, &ValidationError{Code: "missing_token_balance", Message: "unable to verify token mint for destination account"}
	}
	if post.Mint != v.mint {
		return nil, &ValidationError{
			Code:    "wrong_mint",
			Message: "transfer mint does not match expected stablecoin",
			Details: map[string]any{"mint": post.Mint, "expected": v.mint},
		}
	}

	// Amount comes from the destination balance delta, not instruction data,
	// so multi-instruction transactions are credited for what actually landed.
	var preAmount int64
	if pre := findTokenBalance(tx.Meta.PreTokenBalances, destIndex); pre != nil {
		preAmount = parseRawAmount(pre.UITokenAmount.Amount)
	}
	postAmount := parseRawAmount(post.UITokenAmount.Amount)
	transferred := postAmount - preAmount
	if transferred <= 0 {
		return nil, &ValidationError{Code: "zero_amount", Message: "transfer amount must be greater than zero"}
	}

	var feePayer string
	if len(accountKeys) > 0 {
		feePayer = accountKeys[0]
	}

	return &Payment{
		Signature:               signature,
		Reference:               extractReferenceAccount(instructions, accountKeys),
		AmountMicro:             transferred,
		Mint:                    post.Mint,
		DestinationTokenAccount: destination,
		Slot:                    tx.Slot,
		BlockTime:               tx.BlockTime,
		FeePayer:                feePayer,
	}, nil
}

func findTokenBalance(balances []TokenBalance, accountIndex int) *TokenBalance {
	for i := range balances {
		if balances[i].AccountIndex == accountIndex {
			return &balances[i]
		}
	}
	return nil
}

func parseRawAmount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// extractReferenceAccount finds the reference key the payment URL embedded:
// a zero-lamport system transfer whose second account is the reference.
func extractReferenceAccount(instructions []CompiledInstruction, accountKeys []string) string {
	for _, ix := range instructions {
		if ix.ProgramIDIndex >= len(accountKeys) || accountKeys[ix.ProgramIDIndex] != SystemProgramID {
			continue
		}
		if len(ix.Accounts) < 2 {
			continue
		}
		data, err := base58.Decode(ix.Data)
		if err != nil || len(data) < 12 {
			continue
		}
		instructionType := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		if instructionType != 2 { // SystemProgram transfer
			continue
		}
		var lamports uint64
		for i := 0; i < 8; i++ {
			lamports |= uint64(data[4+i]) << (8 * i)
		}
		if lamports != 0 {
			continue
		}
		if idx := ix.Accounts[1]; idx < len(accountKeys) {
			return accountKeys[idx]
		}
	}
	return ""
}
