package message

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const (
	// MaxCastLength bounds cast text, counted in characters.
	MaxCastLength = 320

	hashScheme      = "blake3"
	signatureScheme = "ed25519"
	networkMainnet  = 1
	castHashLength  = 20
)

var (
	// ErrEmptyText indicates the cast body was missing.
	ErrEmptyText = errors.New("message: cast text is required")
	// ErrTextTooLong indicates the cast body exceeded MaxCastLength characters.
	ErrTextTooLong = errors.New("message: cast text exceeds 320 characters")
	// ErrMissingFID indicates the author fid was missing.
	ErrMissingFID = errors.New("message: author fid is required")
)

// CastData is the canonical body of a cast message.
type CastData struct {
	FID        uint64 `cbor:"1,keyasint" json:"fid"`
	Timestamp  int64  `cbor:"2,keyasint" json:"timestamp"`
	Network    int    `cbor:"3,keyasint" json:"network"`
	Text       string `cbor:"4,keyasint" json:"text"`
	ParentHash string `cbor:"5,keyasint,omitempty" json:"parentHash,omitempty"`
}

// Envelope is the signed, content-addressed wire form submitted to a hub.
type Envelope struct {
	Data            CastData `cbor:"1,keyasint" json:"data"`
	Hash            string   `cbor:"2,keyasint" json:"hash"`
	HashScheme      string   `cbor:"3,keyasint" json:"hashScheme"`
	Signature       string   `cbor:"4,keyasint" json:"signature"`
	SignatureScheme string   `cbor:"5,keyasint" json:"signatureScheme"`
	Signer          string   `cbor:"6,keyasint" json:"signer"`
}

// Builder constructs signed cast envelopes.
type Builder struct {
	encoder cbor.EncMode
	clock   func() time.Time
}

// NewBuilder returns a Builder using canonical CBOR encoding.
func NewBuilder(clock func() time.Time) (*Builder, error) {
	if clock == nil {
		clock = time.Now
	}
	encoder, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return &Builder{encoder: encoder, clock: clock}, nil
}

// Build validates the cast body, computes its content-addressed hash, and
// signs the hash with the delegate private key.
func (b *Builder) Build(fid uint64, text, parentHash, privateKeyHex string) (Envelope, error) {
	if fid == 0 {
		return Envelope{}, ErrMissingFID
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Envelope{}, ErrEmptyText
	}
	if len([]rune(trimmed)) > MaxCastLength {
		return Envelope{}, ErrTextTooLong
	}

	privateKey, err := decodePrivateKey(privateKeyHex)
	if err != nil {
		return Envelope{}, err
	}

	data := CastData{
		FID:        fid,
		Timestamp:  b.clock().UTC().Unix(),
		Network:    networkMainnet,
		Text:       trimmed,
		ParentHash: strings.TrimSpace(parentHash),
	}
	encoded, err := b.encoder.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}

	digest := blake3.Sum256(encoded)
	hash := digest[:castHashLength]
	signature := ed25519.Sign(privateKey, hash)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return Envelope{
		Data:            data,
		Hash:            "0x" + hex.EncodeToString(hash),
		HashScheme:      hashScheme,
		Signature:       "0x" + hex.EncodeToString(signature),
		SignatureScheme: signatureScheme,
		Signer:          "0x" + hex.EncodeToString(publicKey),
	}, nil
}

// Encode serializes the envelope to its canonical CBOR wire form.
func (b *Builder) Encode(envelope Envelope) ([]byte, error) {
	return b.encoder.Marshal(envelope)
}

// Verify recomputes the envelope hash and checks the signature. Used by
// tests and by tools inspecting submitted messages.
func Verify(envelope Envelope) (bool, error) {
	encoder, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return false, err
	}
	encoded, err := encoder.Marshal(envelope.Data)
	if err != nil {
		return false, err
	}
	digest := blake3.Sum256(encoded)
	hash := digest[:castHashLength]
	if "0x"+hex.EncodeToString(hash) != envelope.Hash {
		return false, nil
	}

	publicKey, err := hex.DecodeString(strings.TrimPrefix(envelope.Signer, "0x"))
	if err != nil {
		return false, err
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("message: unexpected signer key length %d", len(publicKey))
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(envelope.Signature, "0x"))
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), hash, signature), nil
}

func decodePrivateKey(value string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("message: invalid private key encoding: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("message: unexpected private key length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
