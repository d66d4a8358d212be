package solana

import (
	"net/url"
	"strings"
)

// PayURLParams describes a Solana Pay transfer request.
type PayURLParams struct {
	Recipient string
	SPLToken  string
	Amount    string // decimal token amount, e.g. "12.5"
	Reference string
	Label     string
	Message   string
}

// BuildPayURL renders the solana: transfer request URL wallets scan.
func BuildPayURL(p PayURLParams) string {
	q := url.Values{}
	q.Set("amount", p.Amount)
	q.Set("spl-token", p.SPLToken)
	q.Set("reference", p.Reference)
	if p.Label != "" {
		q.Set("label", p.Label)
	}
	if p.Message != "" {
		q.Set("message", p.Message)
	}

	var b strings.Builder
	b.WriteString("solana:")
	b.WriteString(p.Recipient)
	b.WriteString("?")
	b.WriteString(q.Encode())
	return b.String()
}
