package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tyler-smith/go-bip39"
)

var (
	// ErrMissingAppFID indicates the application fid was not configured.
	ErrMissingAppFID = errors.New("identity: application fid is required")
	// ErrInvalidMnemonic indicates the recovery phrase failed BIP-39 validation.
	ErrInvalidMnemonic = errors.New("identity: invalid recovery phrase")
)

// Keypair holds delegate Ed25519 key material in hex form.
type Keypair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// GenerateKeypair produces a fresh delegate Ed25519 keypair.
func GenerateKeypair() (Keypair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{
		PublicKey:  "0x" + hex.EncodeToString(publicKey),
		PrivateKey: "0x" + hex.EncodeToString(privateKey),
	}, nil
}

// AppIdentity is the application's long-lived signing identity, derived
// deterministically from its fid and BIP-39 recovery phrase.
type AppIdentity struct {
	fid        uint64
	privateKey ed25519.PrivateKey
	encoder    cbor.EncMode
}

// Config describes AppIdentity construction parameters.
type Config struct {
	FID      uint64
	Mnemonic string
}

// NewAppIdentity validates the configuration and derives the app key.
func NewAppIdentity(cfg Config) (*AppIdentity, error) {
	if cfg.FID == 0 {
		return nil, ErrMissingAppFID
	}
	mnemonic := strings.TrimSpace(cfg.Mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	privateKey := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])

	encoder, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	return &AppIdentity{fid: cfg.FID, privateKey: privateKey, encoder: encoder}, nil
}

// FID returns the application's account identifier.
func (a *AppIdentity) FID() uint64 {
	return a.fid
}

// PublicKey returns the hex-encoded app public key.
func (a *AppIdentity) PublicKey() string {
	return "0x" + hex.EncodeToString(a.privateKey.Public().(ed25519.PublicKey))
}

// KeyRequest is the delegation payload binding a delegate public key to a
// user account, valid until Deadline.
type KeyRequest struct {
	RequestFID uint64 `cbor:"1,keyasint" json:"requestFid"`
	Key        string `cbor:"2,keyasint" json:"key"`
	Deadline   int64  `cbor:"3,keyasint" json:"deadline"`
}

// SignedKeyRequest couples a KeyRequest with the app signature over its
// canonical encoding.
type SignedKeyRequest struct {
	Request      KeyRequest `json:"request"`
	AppFID       uint64     `json:"appFid"`
	AppPublicKey string     `json:"appPublicKey"`
	Signature    string     `json:"signature"`
}

// SignKeyRequest binds delegatePublicKey to userFID with a deadline
// computed from now plus validity, signed by the app key.
func (a *AppIdentity) SignKeyRequest(userFID uint64, delegatePublicKey string, now time.Time, validity time.Duration) (SignedKeyRequest, error) {
	if userFID == 0 {
		return SignedKeyRequest{}, fmt.Errorf("identity: user fid is required")
	}
	if strings.TrimSpace(delegatePublicKey) == "" {
		return SignedKeyRequest{}, fmt.Errorf("identity: delegate public key is required")
	}

	request := KeyRequest{
		RequestFID: userFID,
		Key:        delegatePublicKey,
		Deadline:   now.Add(validity).Unix(),
	}
	encoded, err := a.encoder.Marshal(request)
	if err != nil {
		return SignedKeyRequest{}, err
	}
	signature := ed25519.Sign(a.privateKey, encoded)

	return SignedKeyRequest{
		Request:      request,
		AppFID:       a.fid,
		AppPublicKey: a.PublicKey(),
		Signature:    "0x" + hex.EncodeToString(signature),
	}, nil
}

// VerifyKeyRequest checks a signed key request against the app public key.
// Used by tests and by operators validating issued delegations.
func VerifyKeyRequest(signed SignedKeyRequest) (bool, error) {
	publicKey, err := decodeHex(signed.AppPublicKey)
	if err != nil {
		return false, err
	}
	signature, err := decodeHex(signed.Signature)
	if err != nil {
		return false, err
	}
	encoder, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return false, err
	}
	encoded, err := encoder.Marshal(signed.Request)
	if err != nil {
		return false, err
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("identity: unexpected public key length %d", len(publicKey))
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), encoded, signature), nil
}

func decodeHex(value string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(value, "0x"))
}
