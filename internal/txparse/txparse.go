// Package txparse decodes base64 Solana transactions into the fee payer and
// the programs they invoke.
package txparse

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// signatureLen is the size of one ed25519 signature on the wire.
const signatureLen = 64

// versionPrefixMask marks a versioned message when set on its first byte.
const versionPrefixMask = 0x80

// ParsedTransaction is the normalized view used by the rest of the pipeline.
type ParsedTransaction struct {
	IsVersioned bool
	FeePayer    string
	// ProgramIDs is de-duplicated in first-seen order.
	ProgramIDs []string
	// Raw is the original wire bytes, re-encoded for simulation.
	Raw []byte
	// Message is the decoded message.
	Message *solana.Message
}

// Base64 returns the wire bytes as standard base64.
func (p *ParsedTransaction) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Raw)
}

// DecodeError reports a blob that matched neither wire format.
type DecodeError struct {
	Versioned error
	Legacy    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse transaction: versioned: %v; legacy: %v", e.Versioned, e.Legacy)
}

var (
	errNotVersioned = errors.New("message has no version prefix")
	errVersioned    = errors.New("message carries a version prefix")
	errNoFeePayer   = errors.New("cannot determine fee payer")
)

// Parse decodes a standard-base64 transaction. The versioned format is tried
// first, then legacy. Any failure is a *DecodeError.
func Parse(txBase64 string) (*ParsedTransaction, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		bad := fmt.Errorf("invalid base64: %w", err)
		return nil, &DecodeError{Versioned: bad, Legacy: bad}
	}

	parsed, vErr := parseVersioned(raw)
	if vErr == nil {
		return parsed, nil
	}
	parsed, lErr := parseLegacy(raw)
	if lErr == nil {
		return parsed, nil
	}
	return nil, &DecodeError{Versioned: vErr, Legacy: lErr}
}

func parseVersioned(raw []byte) (*ParsedTransaction, error) {
	dec, err := skipSignatures(raw)
	if err != nil {
		return nil, err
	}
	prefix, err := dec.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("read message prefix: %w", err)
	}
	if prefix[0]&versionPrefixMask == 0 {
		return nil, errNotVersioned
	}

	var msg solana.Message
	if err := msg.UnmarshalV0(dec); err != nil {
		return nil, fmt.Errorf("decode v0 message: %w", err)
	}
	if len(msg.AccountKeys) == 0 {
		return nil, errNoFeePayer
	}
	return &ParsedTransaction{
		IsVersioned: true,
		FeePayer:    msg.AccountKeys[0].String(),
		ProgramIDs:  ProgramIDs(msg.AccountKeys, msg.Instructions),
		Raw:         raw,
		Message:     &msg,
	}, nil
}

func parseLegacy(raw []byte) (*ParsedTransaction, error) {
	dec, err := skipSignatures(raw)
	if err != nil {
		return nil, err
	}
	prefix, err := dec.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("read message header: %w", err)
	}
	if prefix[0]&versionPrefixMask != 0 {
		return nil, errVersioned
	}

	var msg solana.Message
	if err := msg.UnmarshalLegacy(dec); err != nil {
		return nil, fmt.Errorf("decode legacy message: %w", err)
	}
	// The fee payer is the first signer.
	if msg.Header.NumRequiredSignatures == 0 || len(msg.AccountKeys) == 0 {
		return nil, errNoFeePayer
	}
	return &ParsedTransaction{
		FeePayer:   msg.AccountKeys[0].String(),
		ProgramIDs: ProgramIDs(msg.AccountKeys, msg.Instructions),
		Raw:        raw,
		Message:    &msg,
	}, nil
}

// skipSignatures consumes the compact-u16 signature count and the signatures
// that follow, leaving the decoder at the start of the message.
func skipSignatures(raw []byte) (*bin.Decoder, error) {
	dec := bin.NewBinDecoder(raw)
	n, err := dec.ReadCompactU16()
	if err != nil {
		return nil, fmt.Errorf("read signature count: %w", err)
	}
	if _, err := dec.ReadNBytes(n * signatureLen); err != nil {
		return nil, fmt.Errorf("read %d signatures: %w", n, err)
	}
	return dec, nil
}

// ProgramIDs resolves each instruction's program index against keys,
// de-duplicating in first-seen order. Out-of-range indexes are skipped.
func ProgramIDs(keys solana.PublicKeySlice, instructions []solana.CompiledInstruction) []string {
	seen := make(map[string]struct{}, len(instructions))
	ids := make([]string, 0, len(instructions))
	for _, ix := range instructions {
		idx := int(ix.ProgramIDIndex)
		if idx >= len(keys) {
			continue
		}
		id := keys[idx].String()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// IsValidAddress reports whether s is a base58 32-byte public key.
func IsValidAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}
