package signer

import (
	"fmt"
	"strings"
	"time"

	"github.com/castrelay/castrelay/internal/identity"
)

// Provider identifies which credential flow backs a signer.
type Provider string

const (
	// ProviderHostedPreApproved trusts a credential approved by the hosted
	// sign-in flow before it reaches this service.
	ProviderHostedPreApproved Provider = "hosted"
	// ProviderHostedManaged delegates the credential lifecycle to the
	// managed SDK.
	ProviderHostedManaged Provider = "managed"
	// ProviderDirectProtocol issues an Ed25519 delegate key approved
	// through the protocol's QR/deeplink flow.
	ProviderDirectProtocol Provider = "direct"
)

// ParseProvider maps raw input onto the closed provider set.
func ParseProvider(value string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(value))) {
	case ProviderHostedPreApproved:
		return ProviderHostedPreApproved, nil
	case ProviderHostedManaged:
		return ProviderHostedManaged, nil
	case ProviderDirectProtocol:
		return ProviderDirectProtocol, nil
	default:
		return "", fmt.Errorf("unknown provider %q", value)
	}
}

// Status is a signer lifecycle state. The set of valid states and the
// transitions between them depend on the provider.
type Status string

const (
	// StatusGenerated is the managed SDK's initial state before a user is
	// attached.
	StatusGenerated Status = "generated"
	// StatusPendingApproval awaits user-side approval of the delegation.
	StatusPendingApproval Status = "pending_approval"
	// StatusApproved marks an approved credential; terminal for hosted and
	// managed providers, intermediate for the direct protocol.
	StatusApproved Status = "approved"
	// StatusCompleted is the direct protocol's fully finalized state.
	StatusCompleted Status = "completed"
	// StatusRevoked is terminal for every provider.
	StatusRevoked Status = "revoked"
)

// transitions lists the permitted forward moves per provider. A status may
// always remain unchanged.
var transitions = map[Provider]map[Status][]Status{
	ProviderHostedPreApproved: {
		StatusApproved: {StatusRevoked},
	},
	ProviderHostedManaged: {
		StatusGenerated:       {StatusPendingApproval, StatusApproved, StatusRevoked},
		StatusPendingApproval: {StatusApproved, StatusRevoked},
		StatusApproved:        {StatusRevoked},
	},
	ProviderDirectProtocol: {
		StatusPendingApproval: {StatusApproved, StatusCompleted, StatusRevoked},
		StatusApproved:        {StatusCompleted, StatusRevoked},
		StatusCompleted:       {StatusRevoked},
	},
}

// hubStates maps states observed from the key-request endpoint onto the
// closed status set.
var hubStates = map[string]Status{
	"pending":   StatusPendingApproval,
	"approved":  StatusApproved,
	"completed": StatusCompleted,
	"revoked":   StatusRevoked,
}

// managedStates maps states observed from the managed SDK onto the closed
// status set.
var managedStates = map[string]Status{
	"generated":        StatusGenerated,
	"pending_approval": StatusPendingApproval,
	"pending":          StatusPendingApproval,
	"approved":         StatusApproved,
	"revoked":          StatusRevoked,
}

// ReadyStatus returns the status a signer must hold before posting.
func ReadyStatus(provider Provider) Status {
	if provider == ProviderDirectProtocol {
		return StatusCompleted
	}
	return StatusApproved
}

// MapHubState converts an externally-observed key-request state. Unknown
// states are rejected rather than stored.
func MapHubState(state string) (Status, error) {
	mapped, ok := hubStates[strings.ToLower(strings.TrimSpace(state))]
	if !ok {
		return "", fmt.Errorf("unexpected key request state %q", state)
	}
	return mapped, nil
}

// MapManagedState converts an externally-observed managed SDK state.
func MapManagedState(state string) (Status, error) {
	mapped, ok := managedStates[strings.ToLower(strings.TrimSpace(state))]
	if !ok {
		return "", fmt.Errorf("unexpected managed signer state %q", state)
	}
	return mapped, nil
}

// ValidTransition reports whether a signer of the given provider may move
// from one status to another. Self-loops are always valid.
func ValidTransition(provider Provider, from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[provider][from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Signer is the in-memory credential record, mirrored verbatim into the
// persistent session namespace.
type Signer struct {
	ID          string            `json:"signerId"`
	Provider    Provider          `json:"provider"`
	Status      Status            `json:"status"`
	FID         uint64            `json:"fid,omitempty"`
	ApprovalURL string            `json:"approvalUrl,omitempty"`
	Token       string            `json:"token,omitempty"`
	Keypair     *identity.Keypair `json:"keypair,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Post is an immutable record of a published cast.
type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Hash      string    `json:"hash"`
	SignerID  string    `json:"signerId"`
	FID       uint64    `json:"fid"`
	Provider  Provider  `json:"provider"`
	ParentRef string    `json:"parentRef,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
