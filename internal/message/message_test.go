package message

import (
	"strings"
	"testing"
	"time"

	"github.com/castrelay/castrelay/internal/identity"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	builder, err := NewBuilder(func() time.Time { return time.Unix(1700000000, 0).UTC() })
	if err != nil {
		t.Fatalf("failed to build builder: %v", err)
	}
	return builder
}

func testKeypair(t *testing.T) identity.Keypair {
	t.Helper()
	keypair, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	return keypair
}

func TestBuildProducesVerifiableEnvelope(t *testing.T) {
	builder := testBuilder(t)
	keypair := testKeypair(t)

	envelope, err := builder.Build(42, "hello world", "", keypair.PrivateKey)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if envelope.Data.FID != 42 {
		t.Fatalf("unexpected fid %d", envelope.Data.FID)
	}
	if envelope.Data.Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp %d", envelope.Data.Timestamp)
	}
	if envelope.HashScheme != "blake3" || envelope.SignatureScheme != "ed25519" {
		t.Fatalf("unexpected schemes: %s/%s", envelope.HashScheme, envelope.SignatureScheme)
	}
	if !strings.HasPrefix(envelope.Hash, "0x") || len(envelope.Hash) != 2+2*20 {
		t.Fatalf("expected 20-byte hex hash, got %q", envelope.Hash)
	}
	if envelope.Signer != keypair.PublicKey {
		t.Fatalf("signer %q does not match keypair %q", envelope.Signer, keypair.PublicKey)
	}

	valid, err := Verify(envelope)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if !valid {
		t.Fatalf("expected envelope to verify")
	}
}

func TestBuildRejectsTamperedEnvelope(t *testing.T) {
	builder := testBuilder(t)
	keypair := testKeypair(t)

	envelope, err := builder.Build(42, "hello", "", keypair.PrivateKey)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	envelope.Data.Text = "tampered"

	valid, err := Verify(envelope)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if valid {
		t.Fatalf("expected tampered envelope to fail verification")
	}
}

func TestBuildValidatesInput(t *testing.T) {
	builder := testBuilder(t)
	keypair := testKeypair(t)

	if _, err := builder.Build(0, "hello", "", keypair.PrivateKey); err != ErrMissingFID {
		t.Fatalf("expected ErrMissingFID, got %v", err)
	}
	if _, err := builder.Build(42, "  ", "", keypair.PrivateKey); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	long := strings.Repeat("a", MaxCastLength+1)
	if _, err := builder.Build(42, long, "", keypair.PrivateKey); err != ErrTextTooLong {
		t.Fatalf("expected ErrTextTooLong, got %v", err)
	}
	if _, err := builder.Build(42, "hello", "", "0xnothex"); err == nil {
		t.Fatalf("expected rejection for malformed private key")
	}
}

func TestBuildCountsCharactersNotBytes(t *testing.T) {
	builder := testBuilder(t)
	keypair := testKeypair(t)

	// 320 multi-byte runes are within the limit even though the byte
	// length exceeds it.
	text := strings.Repeat("ü", MaxCastLength)
	if _, err := builder.Build(42, text, "", keypair.PrivateKey); err != nil {
		t.Fatalf("expected 320-rune text to be accepted, got %v", err)
	}
}

func TestEncodeRoundTripsThroughCBOR(t *testing.T) {
	builder := testBuilder(t)
	keypair := testKeypair(t)

	envelope, err := builder.Build(42, "hello", "0xparent", keypair.PrivateKey)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	encoded, err := builder.Encode(envelope)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(encoded) == 0 {
		t.Fatalf("expected non-empty encoding")
	}
}
