package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const (
	SystemProgramID = "11111111111111111111111111111111"
	TokenProgramID  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	ataProgramID    = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
)

// A PublicKey is a raw 32-byte ed25519 public key.
type PublicKey [32]byte

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	if len(raw) != 32 {
		return pk, fmt.Errorf("invalid public key %q: got %d bytes, want 32", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// isOnCurve reports whether the key decodes to a point on the ed25519 curve.
// Program derived addresses must not, so no private key can exist for them.
func (pk PublicKey) isOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}

// FindAssociatedTokenAddress derives the associated token account for a
// wallet and mint, the deterministic account wallets send SPL tokens to.
func FindAssociatedTokenAddress(wallet, mint PublicKey) (PublicKey, error) {
	tokenProgram, err := ParsePublicKey(TokenProgramID)
	if err != nil {
		return PublicKey{}, err
	}
	ataProgram, err := ParsePublicKey(ataProgramID)
	if err != nil {
		return PublicKey{}, err
	}
	addr, _, err := findProgramAddress([][]byte{wallet[:], tokenProgram[:], mint[:]}, ataProgram)
	return addr, err
}

// findProgramAddress searches bump seeds from 255 down for the first
// derivation that lands off the curve.
func findProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := createProgramAddress(seeds, byte(bump), programID)
		if err != nil {
			continue
		}
		return addr, uint8(bump), nil
	}
	return PublicKey{}, 0, errors.New("no viable program address bump found")
}

func createProgramAddress(seeds [][]byte, bump byte, programID PublicKey) (PublicKey, error) {
	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write([]byte{bump})
	h.Write(programID[:])
	h.Write([]byte("ProgramDerivedAddress"))

	var addr PublicKey
	copy(addr[:], h.Sum(nil))
	if addr.isOnCurve() {
		return PublicKey{}, errors.New("derived address is on the curve")
	}
	return addr, nil
}
