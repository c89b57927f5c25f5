package token

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Key identifies a token as (chain id, contract address). The address is
// stored in EIP-55 checksum form so two spellings of the same contract map
// to one cache/registry entry.
type Key struct {
	ChainID int64
	Address string
}

func NewKey(chainID int64, address string) (Key, error) {
	if chainID <= 0 {
		return Key{}, fmt.Errorf("bad chain id: %d", chainID)
	}
	addr, err := ChecksumAddress(address)
	if err != nil {
		return Key{}, err
	}
	return Key{ChainID: chainID, Address: addr}, nil
}

// String renders "chainID:0xAddress"; it is the canonical cache key.
func (k Key) String() string {
	return strconv.FormatInt(k.ChainID, 10) + ":" + k.Address
}

func (k Key) Zero() bool { return k.ChainID == 0 && k.Address == "" }

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return Key{}, fmt.Errorf("bad token key %q", s)
	}
	chainID, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("bad chain id in %q: %w", s, err)
	}
	return NewKey(chainID, s[i+1:])
}

// ChecksumAddress normalizes a hex address to EIP-55 mixed-case form.
func ChecksumAddress(addr string) (string, error) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", fmt.Errorf("empty address")
	}
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		a = a[2:]
	}
	if len(a) != 40 {
		return "", fmt.Errorf("bad hex length: %d", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		return "", fmt.Errorf("not hex: %w", err)
	}

	lower := strings.ToLower(a)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	hash := h.Sum(nil)
	hexhash := make([]byte, 64)
	hex.Encode(hexhash, hash)

	out := make([]byte, 40)
	for i := 0; i < 40; i++ {
		ch := lower[i]
		if ch >= 'a' && ch <= 'f' {
			var nibble byte
			if hexhash[i] >= '0' && hexhash[i] <= '9' {
				nibble = hexhash[i] - '0'
			} else {
				nibble = 10 + (hexhash[i] - 'a')
			}
			if nibble >= 8 {
				ch = ch - 'a' + 'A'
			}
		}
		out[i] = ch
	}
	return "0x" + string(out), nil
}
