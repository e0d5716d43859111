// Package tokenresolver derives a mint's token-metadata
// program-derived address (PDA) and decodes the borsh-encoded
// metadata account it points to. It is grounded on the original
// implementation's solana_config/tokens.rs: get_tokens_from_mint_accounts
// (PDA derivation from a mint's pubkey) and unpack_token_account (the
// Metadata struct's field layout and the primary_sale_happened/
// is_mutable/creators decode), translated from Rust's borsh derive
// macro into explicit length-prefixed field reads.
package tokenresolver

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"
)

// MetadataProgramID is the Metaplex token-metadata program, the seed
// constant from solana_config/constants.rs.
const MetadataProgramID = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"

var metadataSeedPrefix = []byte("metadata")

// DerivePDA computes the metadata program-derived address for mint,
// the bump-seed search solana_sdk::pubkey::find_program_address
// performs: try bump 255 down to 0, the first seed hash that does not
// land on the ed25519 curve is the address.
func DerivePDA(mint string) (string, error) {
	programID, err := decodeKey(MetadataProgramID)
	if err != nil {
		return "", fmt.Errorf("tokenresolver: decode metadata program id: %w", err)
	}
	mintKey, err := decodeKey(mint)
	if err != nil {
		return "", fmt.Errorf("tokenresolver: decode mint %q: %w", mint, err)
	}

	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		h.Write(metadataSeedPrefix)
		h.Write(programID)
		h.Write(mintKey)
		h.Write([]byte{byte(bump)})
		h.Write(programID)
		h.Write([]byte("ProgramDerivedAddress"))
		candidate := h.Sum(nil)
		if !isOnCurve(candidate) {
			return base58.Encode(candidate), nil
		}
	}
	return "", fmt.Errorf("tokenresolver: unable to find a valid program address for mint %q", mint)
}

func decodeKey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected a 32-byte key, got %d bytes", len(b))
	}
	return b, nil
}

// ed25519 field/curve constants: p = 2^255 - 19, d = -121665/121666 mod p.
var (
	fieldP = mustBig("57896044618658097711785492504343953926634992332820282019728792003956564819949")
	curveD = mustBig("37095705934669439343138083508754565189542113879843219016388785533085940283555")
)

func mustBig(dec string) *big.Int {
	n, ok := new(big.Int).SetString(dec, 10)
	if !ok {
		panic("tokenresolver: invalid constant " + dec)
	}
	return n
}

// isOnCurve reports whether a little-endian 32-byte compressed
// ed25519 point (the PDA candidate hash) decompresses to a valid
// point on the twisted Edwards curve. A program-derived address is,
// by construction, a hash that is NOT a valid point; Solana relies on
// that to guarantee no private key can ever sign for it.
func isOnCurve(compressed []byte) bool {
	if len(compressed) != 32 {
		return false
	}
	// Little-endian to big-endian, masking the sign bit (top bit of
	// the last byte).
	buf := make([]byte, 32)
	for i := 0; i < 32; i++ {
		buf[i] = compressed[31-i]
	}
	signBit := buf[0] >> 7
	buf[0] &= 0x7f
	y := new(big.Int).SetBytes(buf)
	if y.Cmp(fieldP) >= 0 {
		return false
	}

	// x^2 = (y^2 - 1) * inverse(d*y^2 + 1) mod p
	ySq := new(big.Int).Mul(y, y)
	ySq.Mod(ySq, fieldP)

	numerator := new(big.Int).Sub(ySq, big.NewInt(1))
	numerator.Mod(numerator, fieldP)

	denominator := new(big.Int).Mul(curveD, ySq)
	denominator.Add(denominator, big.NewInt(1))
	denominator.Mod(denominator, fieldP)

	denomInv := new(big.Int).ModInverse(denominator, fieldP)
	if denomInv == nil {
		return false
	}
	xSq := new(big.Int).Mul(numerator, denomInv)
	xSq.Mod(xSq, fieldP)

	// p ≡ 5 (mod 8): candidate root is xSq^((p+3)/8).
	exp := new(big.Int).Add(fieldP, big.NewInt(3))
	exp.Div(exp, big.NewInt(8))
	x := new(big.Int).Exp(xSq, exp, fieldP)

	check := new(big.Int).Mul(x, x)
	check.Mod(check, fieldP)
	if check.Cmp(xSq) != 0 {
		// Try x * sqrt(-1).
		sqrtMinus1 := new(big.Int).Exp(big.NewInt(2), new(big.Int).Div(new(big.Int).Sub(fieldP, big.NewInt(1)), big.NewInt(4)), fieldP)
		x.Mul(x, sqrtMinus1)
		x.Mod(x, fieldP)
		check.Mul(x, x)
		check.Mod(check, fieldP)
		if check.Cmp(xSq) != 0 {
			// No square root exists: the candidate is not a valid point.
			return false
		}
	}

	if x.Sign() == 0 && signBit == 1 {
		return false
	}
	if new(big.Int).And(x, big.NewInt(1)).Uint64() != uint64(signBit) {
		x.Sub(fieldP, x)
	}
	_ = x
	return true
}

// Metadata is the borsh-encoded layout of a Metaplex token-metadata
// account, per the Metadata struct in solana_config/tokens.rs.
type Metadata struct {
	Key                  byte
	UpdateAuthority      string
	Mint                 string
	Name                 string
	Symbol               string
	URI                  string
	SellerFeeBasisPoints uint16
	Creators             []Creator
	PrimarySaleHappened  bool
	IsMutable            bool
}

// Creator is one entry of a Metadata account's optional creators list.
type Creator struct {
	Address  string
	Verified bool
	Share    uint8
}

// DecodeMetadata decodes a base64-decoded token-metadata account's raw
// bytes. Field order and widths follow the borsh derive layout of the
// Rust Metadata struct: a 1-byte key, two 32-byte pubkeys, three
// length-prefixed strings, a u16, an Option<Vec<Creator>>, and two
// bool flags.
func DecodeMetadata(data []byte) (*Metadata, error) {
	r := &byteReader{data: data}

	key, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read key: %w", err)
	}
	updateAuthority, err := r.readPubkey()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read update_authority: %w", err)
	}
	mint, err := r.readPubkey()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read mint: %w", err)
	}
	name, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read name: %w", err)
	}
	symbol, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read symbol: %w", err)
	}
	uri, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read uri: %w", err)
	}
	sellerFee, err := r.readU16()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read seller_fee_basis_points: %w", err)
	}
	hasCreators, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read creators option tag: %w", err)
	}
	var creators []Creator
	if hasCreators != 0 {
		count, err := r.readU32()
		if err != nil {
			return nil, fmt.Errorf("tokenresolver: read creators length: %w", err)
		}
		creators = make([]Creator, 0, count)
		for i := uint32(0); i < count; i++ {
			addr, err := r.readPubkey()
			if err != nil {
				return nil, fmt.Errorf("tokenresolver: read creator address: %w", err)
			}
			verified, err := r.readByte()
			if err != nil {
				return nil, fmt.Errorf("tokenresolver: read creator verified: %w", err)
			}
			share, err := r.readByte()
			if err != nil {
				return nil, fmt.Errorf("tokenresolver: read creator share: %w", err)
			}
			creators = append(creators, Creator{Address: addr, Verified: verified != 0, Share: share})
		}
	}
	primarySale, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read primary_sale_happened: %w", err)
	}
	isMutable, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("tokenresolver: read is_mutable: %w", err)
	}

	return &Metadata{
		Key:                  key,
		UpdateAuthority:      updateAuthority,
		Mint:                 mint,
		Name:                 stripNUL(name),
		Symbol:               stripNUL(symbol),
		URI:                  stripNUL(uri),
		SellerFeeBasisPoints: sellerFee,
		Creators:             creators,
		PrimarySaleHappened:  primarySale != 0,
		IsMutable:            isMutable != 0,
	}, nil
}

// stripNUL removes every NUL byte from s (borsh-fixed-width string
// fields are NUL-padded), mirroring the source's .replace('\0', "").
func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// IsNFT reports whether a mint with the given decimals should be
// treated as a non-fungible token: decimals == 0, per
// get_tokens_from_mint_accounts.
func IsNFT(decimals uint8) bool {
	return decimals == 0
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) need(n int) error {
	if r.pos+n > len(r.data) {
		return fmt.Errorf("unexpected end of data: need %d bytes at offset %d, have %d total", n, r.pos, len(r.data))
	}
	return nil
}

func (r *byteReader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := uint16(r.data[r.pos]) | uint16(r.data[r.pos+1])<<8
	r.pos += 2
	return v, nil
}

func (r *byteReader) readU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := uint32(r.data[r.pos]) | uint32(r.data[r.pos+1])<<8 | uint32(r.data[r.pos+2])<<16 | uint32(r.data[r.pos+3])<<24
	r.pos += 4
	return v, nil
}

func (r *byteReader) readPubkey() (string, error) {
	if err := r.need(32); err != nil {
		return "", err
	}
	key := r.data[r.pos : r.pos+32]
	r.pos += 32
	return base58.Encode(key), nil
}

func (r *byteReader) readString() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
