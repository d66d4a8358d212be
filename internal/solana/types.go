// Package solana talks to a Solana JSON-RPC node and validates incoming
// USDC payments against the merchant's token account. Only the small slice
// of the RPC surface the payment flow needs is modeled here.
package solana

// TransactionResult mirrors the getTransaction JSON-RPC response body.
type TransactionResult struct {
	Slot        uint64              `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *TransactionMeta    `json:"meta"`
	Transaction TransactionEnvelope `json:"transaction"`
}

type TransactionEnvelope struct {
	Message    TransactionMessage `json:"message"`
	Signatures []string           `json:"signatures"`
}

type TransactionMessage struct {
	AccountKeys  []string              `json:"accountKeys"`
	Instructions []CompiledInstruction `json:"instructions"`
}

type CompiledInstruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"` // base58
}

type TransactionMeta struct {
	Err               any              `json:"err"`
	PreTokenBalances  []TokenBalance   `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance   `json:"postTokenBalances"`
	LoadedAddresses   *LoadedAddresses `json:"loadedAddresses"`
}

// LoadedAddresses holds accounts resolved from address lookup tables. They
// extend the static account key list, writable first.
type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

type UITokenAmount struct {
	Amount   string `json:"amount"` // raw integer as string
	Decimals int    `json:"decimals"`
}

// accountKeys returns the full ordered key list, static keys followed by
// any addresses loaded from lookup tables.
func (t *TransactionResult) accountKeys() []string {
	keys := make([]string, 0, len(t.Transaction.Message.AccountKeys))
	keys = append(keys, t.Transaction.Message.AccountKeys...)
	if t.Meta != nil && t.Meta.LoadedAddresses != nil {
		keys = append(keys, t.Meta.LoadedAddresses.Writable...)
		keys = append(keys, t.Meta.LoadedAddresses.Readonly...)
	}
	return keys
}
