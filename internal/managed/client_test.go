package managed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/castrelay/castrelay/internal/apperror"
)

func TestUnavailableWithoutAPIKey(t *testing.T) {
	client := NewClient(Config{})

	if client.Available() {
		t.Fatalf("expected client without api key to be unavailable")
	}
	_, err := client.CreateSigner(context.Background())
	if apperror.KindOf(err) != apperror.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable cause, got %v", err)
	}
}

func TestCreateSignerSendsAPIKeyHeader(t *testing.T) {
	var receivedKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedKey = r.Header.Get("X-Api-Key")
		json.NewEncoder(w).Encode(Signer{SignerUUID: "uuid-1", Status: "generated"})
	}))
	defer upstream.Close()

	client := NewClient(Config{APIKey: "secret-key", BaseURL: upstream.URL})

	signer, err := client.CreateSigner(context.Background())
	if err != nil {
		t.Fatalf("create signer failed: %v", err)
	}
	if receivedKey != "secret-key" {
		t.Fatalf("expected api key header, got %q", receivedKey)
	}
	if signer.SignerUUID != "uuid-1" || signer.Status != "generated" {
		t.Fatalf("unexpected signer: %+v", signer)
	}
}

func TestPublishCastForwardsParent(t *testing.T) {
	var received map[string]string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &received); err != nil {
			t.Errorf("failed to decode cast payload: %v", err)
		}
		json.NewEncoder(w).Encode(Cast{Hash: "0xcast", Text: received["text"]})
	}))
	defer upstream.Close()

	client := NewClient(Config{APIKey: "secret-key", BaseURL: upstream.URL})

	cast, err := client.PublishCast(context.Background(), "uuid-1", "hello", "0xparent")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if cast.Hash != "0xcast" {
		t.Fatalf("unexpected hash %q", cast.Hash)
	}
	if received["signerUuid"] != "uuid-1" || received["parent"] != "0xparent" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestGetSignerRequiresUUID(t *testing.T) {
	client := NewClient(Config{APIKey: "secret-key"})
	_, err := client.GetSigner(context.Background(), " ")
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSDKFailureSurfacesMessage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"message": "quota exceeded"})
	}))
	defer upstream.Close()

	client := NewClient(Config{APIKey: "secret-key", BaseURL: upstream.URL})

	_, err := client.PublishCast(context.Background(), "uuid-1", "hello", "")
	if apperror.KindOf(err) != apperror.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if detail := apperror.DetailOf(err); detail == "" {
		t.Fatalf("expected detail message")
	}
}
