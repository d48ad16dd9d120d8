package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// Address layout: base32(pubkey ‖ first 4 bytes of SHA-512/256(pubkey)),
// unpadded, 58 characters.
const (
	addressLength  = 58
	checksumLength = 4
)

var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DeriveAccount generates a fresh ed25519 account with its address and a
// 24-word recovery mnemonic derived from the seed.
func DeriveAccount() (Account, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: key generation: %w", err)
	}
	seed := priv.Seed()
	mnemonic, err := bip39.NewMnemonic(seed)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: mnemonic: %w", err)
	}
	return Account{
		Secret:   seed,
		Address:  EncodeAddress(priv.Public().(ed25519.PublicKey)),
		Mnemonic: mnemonic,
	}, nil
}

// EncodeAddress renders a public key in the ledger's checksummed address form.
func EncodeAddress(pub ed25519.PublicKey) string {
	checksum := sha512.Sum512_256(pub)
	payload := append(append([]byte{}, pub...), checksum[len(checksum)-checksumLength:]...)
	return addressEncoding.EncodeToString(payload)
}

// ValidAddress reports whether addr is a well-formed checksummed address.
func ValidAddress(addr string) bool {
	if len(addr) != addressLength {
		return false
	}
	decoded, err := addressEncoding.DecodeString(strings.ToUpper(addr))
	if err != nil || len(decoded) != ed25519.PublicKeySize+checksumLength {
		return false
	}
	pub := decoded[:ed25519.PublicKeySize]
	checksum := sha512.Sum512_256(pub)
	expected := checksum[len(checksum)-checksumLength:]
	for i := range expected {
		if decoded[ed25519.PublicKeySize+i] != expected[i] {
			return false
		}
	}
	return true
}

// AddressFromSecret recomputes the account address for a stored seed.
func AddressFromSecret(seed []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("ledger: invalid seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return EncodeAddress(priv.Public().(ed25519.PublicKey)), nil
}
