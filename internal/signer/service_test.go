package signer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/castrelay/castrelay/internal/apperror"
	"github.com/castrelay/castrelay/internal/hub"
	"github.com/castrelay/castrelay/internal/identity"
	"github.com/castrelay/castrelay/internal/managed"
	"github.com/castrelay/castrelay/internal/message"
	"github.com/castrelay/castrelay/internal/storage"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fakeHub struct {
	createResult hub.KeyRequestResult
	createErr    error
	status       hub.KeyRequestStatus
	statusErr    error
	submitResult hub.SubmitResult
	submitErr    error
	submitted    [][]byte
}

func (f *fakeHub) CreateKeyRequest(_ context.Context, _ identity.SignedKeyRequest) (hub.KeyRequestResult, error) {
	return f.createResult, f.createErr
}

func (f *fakeHub) GetKeyRequest(_ context.Context, _ string) (hub.KeyRequestStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeHub) SubmitMessage(_ context.Context, envelope []byte) (hub.SubmitResult, error) {
	f.submitted = append(f.submitted, envelope)
	return f.submitResult, f.submitErr
}

type fakeManaged struct {
	available    bool
	createResult managed.Signer
	createErr    error
	getResult    managed.Signer
	getErr       error
	castResult   managed.Cast
	castErr      error
	published    []string
}

func (f *fakeManaged) Available() bool {
	return f.available
}

func (f *fakeManaged) CreateSigner(_ context.Context) (managed.Signer, error) {
	return f.createResult, f.createErr
}

func (f *fakeManaged) GetSigner(_ context.Context, _ string) (managed.Signer, error) {
	return f.getResult, f.getErr
}

func (f *fakeManaged) PublishCast(_ context.Context, _, text, _ string) (managed.Cast, error) {
	f.published = append(f.published, text)
	return f.castResult, f.castErr
}

type serviceFixture struct {
	service *Service
	hub     *fakeHub
	managed *fakeManaged
	store   *storage.FileStore
	now     *time.Time
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }

	store, err := storage.NewFileStore(storage.Config{Root: t.TempDir(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	builder, err := message.NewBuilder(clock)
	if err != nil {
		t.Fatalf("failed to build message builder: %v", err)
	}
	app, err := identity.NewAppIdentity(identity.Config{FID: 7, Mnemonic: testMnemonic})
	if err != nil {
		t.Fatalf("failed to build app identity: %v", err)
	}

	hubClient := &fakeHub{
		createResult: hub.KeyRequestResult{
			Token:       "tok-1",
			DeeplinkURL: "https://client.example/approve?token=tok-1",
			State:       "pending",
		},
		status:       hub.KeyRequestStatus{State: "pending"},
		submitResult: hub.SubmitResult{Hash: "0xsubmitted"},
	}
	managedClient := &fakeManaged{
		available:    true,
		createResult: managed.Signer{SignerUUID: "uuid-1", Status: "generated"},
		getResult:    managed.Signer{SignerUUID: "uuid-1", Status: "generated"},
		castResult:   managed.Cast{Hash: "0xmanaged"},
	}

	service, err := NewService(ServiceConfig{
		Store:   store,
		Hub:     hubClient,
		Managed: managedClient,
		App:     app,
		Builder: builder,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	return &serviceFixture{service: service, hub: hubClient, managed: managedClient, store: store, now: &now}
}

func TestCreateCredentialRequiresFID(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CreateCredential(context.Background(), 0, ProviderHostedPreApproved, "cred-1")
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateHostedCredentialApprovedImmediately(t *testing.T) {
	f := newFixture(t)

	record, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedPreApproved, "cred-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.Status != StatusApproved {
		t.Fatalf("expected approved status, got %q", record.Status)
	}
	if record.ID != "cred-1" || record.FID != 42 {
		t.Fatalf("unexpected record: %+v", record)
	}

	// Session mirror written.
	found, err := f.store.Get(storage.NamespaceSessions, "cred-1", nil)
	if err != nil || !found {
		t.Fatalf("expected session record, found=%v err=%v", found, err)
	}
}

func TestCreateHostedCredentialRequiresCredentialID(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedPreApproved, " ")
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateDirectCredentialStoresKeypairAndToken(t *testing.T) {
	f := newFixture(t)

	record, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.Status != StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %q", record.Status)
	}
	if record.Token != "tok-1" {
		t.Fatalf("expected token to be stored, got %q", record.Token)
	}
	if record.ApprovalURL == "" {
		t.Fatalf("expected approval url")
	}
	if record.Keypair == nil || record.Keypair.PrivateKey == "" {
		t.Fatalf("expected keypair material")
	}
}

func TestCreateDirectCredentialWithoutAppIdentityFailsValidation(t *testing.T) {
	f := newFixture(t)
	f.service.app = nil

	_, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateManagedCredentialPropagatesUpstreamError(t *testing.T) {
	f := newFixture(t)
	f.managed.createErr = apperror.Upstream(errors.New("boom"), "managed sdk request failed")

	_, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedManaged, "")
	if apperror.KindOf(err) != apperror.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestCheckStatusNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CheckStatus(context.Background(), "missing")
	if apperror.KindOf(err) != apperror.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheckStatusAfterCreatePreservesIdentity(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	checked, err := f.service.CheckStatus(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if checked.FID != 42 || checked.Provider != ProviderDirectProtocol {
		t.Fatalf("identity changed across check: %+v", checked)
	}
}

func TestCheckStatusDirectUpdatesOnTransition(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.hub.status = hub.KeyRequestStatus{State: "completed", UserFID: 42}
	checked, err := f.service.CheckStatus(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if checked.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", checked.Status)
	}

	// The transition is persisted to the session mirror.
	var persisted Signer
	found, err := f.store.Get(storage.NamespaceSessions, created.ID, &persisted)
	if err != nil || !found {
		t.Fatalf("expected session record, found=%v err=%v", found, err)
	}
	if persisted.Status != StatusCompleted {
		t.Fatalf("expected persisted status completed, got %q", persisted.Status)
	}
}

func TestCheckStatusFailsOpenOnUpstreamError(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.hub.statusErr = apperror.Upstream(errors.New("timeout"), "hub request failed")
	checked, err := f.service.CheckStatus(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("expected fail-open fallback, got %v", err)
	}
	if checked.Status != StatusPendingApproval {
		t.Fatalf("expected stored state, got %q", checked.Status)
	}
}

func TestCheckStatusRejectsUnknownUpstreamState(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.hub.status = hub.KeyRequestStatus{State: "limbo"}
	_, err = f.service.CheckStatus(context.Background(), created.ID)
	if apperror.KindOf(err) != apperror.KindUpstream {
		t.Fatalf("expected upstream error for unknown state, got %v", err)
	}

	// The unknown value must not have been stored.
	stored, ok := f.service.Get(created.ID)
	if !ok || stored.Status != StatusPendingApproval {
		t.Fatalf("expected stored state unchanged, got %+v", stored)
	}
}

func TestPublishValidatesTextLength(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedPreApproved, "cred-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	long := strings.Repeat("a", message.MaxCastLength+1)
	_, err = f.service.Publish(context.Background(), created.ID, long, "")
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if detail := apperror.DetailOf(err); detail != "text too long" {
		t.Fatalf("unexpected detail %q", detail)
	}

	// No post may have been written.
	count, err := f.store.Count(storage.NamespacePosts)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no posts, got %d", count)
	}
}

func TestPublishRejectsNotReadySignerRepeatedly(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err = f.service.Publish(context.Background(), created.ID, "hello", "")
		if apperror.KindOf(err) != apperror.KindNotReady {
			t.Fatalf("attempt %d: expected not ready, got %v", i+1, err)
		}
	}
	count, err := f.store.Count(storage.NamespacePosts)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no posts, got %d", count)
	}
}

func TestPublishManagedRecordsPost(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedPreApproved, "cred-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	post, err := f.service.Publish(context.Background(), created.ID, "hello world", "")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if post.Hash != "0xmanaged" {
		t.Fatalf("unexpected hash %q", post.Hash)
	}
	if post.FID != 42 || post.Provider != ProviderHostedPreApproved {
		t.Fatalf("unexpected post: %+v", post)
	}
	if len(f.managed.published) != 1 || f.managed.published[0] != "hello world" {
		t.Fatalf("expected text forwarded to sdk, got %v", f.managed.published)
	}
}

func TestPublishManagedSurfacesSDKFailure(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedPreApproved, "cred-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.managed.castErr = apperror.Upstream(nil, "managed sdk returned status 500: boom")
	_, err = f.service.Publish(context.Background(), created.ID, "hello", "")
	if apperror.KindOf(err) != apperror.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	count, _ := f.store.Count(storage.NamespacePosts)
	if count != 0 {
		t.Fatalf("expected no posts after failed publish, got %d", count)
	}
}

func TestPublishDirectRequiresKeypair(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	f.hub.status = hub.KeyRequestStatus{State: "completed", UserFID: 42}
	if _, err := f.service.CheckStatus(context.Background(), created.ID); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	stored, _ := f.service.Get(created.ID)
	stored.Keypair = nil
	f.service.repo.Put(stored)

	_, err = f.service.Publish(context.Background(), created.ID, "hello", "")
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if detail := apperror.DetailOf(err); detail != "keys not found" {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestPublishDirectPendingConfirmationWhenOnlyApproved(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	f.hub.status = hub.KeyRequestStatus{State: "completed", UserFID: 42}
	if _, err := f.service.CheckStatus(context.Background(), created.ID); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	// Live re-verification during publish sees a not-yet-finalized state.
	f.hub.status = hub.KeyRequestStatus{State: "approved", UserFID: 42}
	_, err = f.service.Publish(context.Background(), created.ID, "hello", "")
	if apperror.KindOf(err) != apperror.KindPendingConfirmation {
		t.Fatalf("expected pending confirmation, got %v", err)
	}
}

func TestPublishDirectSubmitsSignedEnvelope(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	f.hub.status = hub.KeyRequestStatus{State: "completed", UserFID: 42}
	if _, err := f.service.CheckStatus(context.Background(), created.ID); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	post, err := f.service.Publish(context.Background(), created.ID, "hello", "")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if post.Hash != "0xsubmitted" {
		t.Fatalf("expected hub-assigned hash, got %q", post.Hash)
	}
	if post.Provider != ProviderDirectProtocol || post.FID != 42 {
		t.Fatalf("unexpected post: %+v", post)
	}
	if len(f.hub.submitted) != 1 || len(f.hub.submitted[0]) == 0 {
		t.Fatalf("expected one encoded envelope submission")
	}

	count, _ := f.store.Count(storage.NamespacePosts)
	if count != 1 {
		t.Fatalf("expected one post record, got %d", count)
	}
}

func TestPublishDirectSurfacesLiveCheckFailure(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderDirectProtocol, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	f.hub.status = hub.KeyRequestStatus{State: "completed", UserFID: 42}
	if _, err := f.service.CheckStatus(context.Background(), created.ID); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	f.hub.statusErr = apperror.Upstream(errors.New("timeout"), "hub request failed")
	_, err = f.service.Publish(context.Background(), created.ID, "hello", "")
	if apperror.KindOf(err) != apperror.KindUpstream {
		t.Fatalf("publish must surface upstream failures, got %v", err)
	}
}

func TestListPostsFiltersAndSortsByRecency(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedPreApproved, "cred-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	other, err := f.service.CreateCredential(context.Background(), 99, ProviderHostedPreApproved, "cred-2")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.managed.castResult = managed.Cast{Hash: "0xaaa1"}
	if _, err := f.service.Publish(context.Background(), created.ID, "first", ""); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	*f.now = f.now.Add(time.Minute)
	f.managed.castResult = managed.Cast{Hash: "0xaaa2"}
	if _, err := f.service.Publish(context.Background(), created.ID, "second", ""); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	f.managed.castResult = managed.Cast{Hash: "0xbbb1"}
	if _, err := f.service.Publish(context.Background(), other.ID, "unrelated", ""); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	posts, err := f.service.ListPosts(42)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts for fid 42, got %d", len(posts))
	}
	if posts[0].Text != "second" || posts[1].Text != "first" {
		t.Fatalf("expected recency ordering, got %q then %q", posts[0].Text, posts[1].Text)
	}
}

func TestRehydrateRestoresSessions(t *testing.T) {
	f := newFixture(t)

	created, err := f.service.CreateCredential(context.Background(), 42, ProviderHostedPreApproved, "cred-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// A fresh service over the same store sees the persisted session.
	restarted, err := NewService(ServiceConfig{
		Store:   f.store,
		Hub:     f.hub,
		Managed: f.managed,
		Builder: f.service.builder,
		Clock:   f.service.clock,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	if err := restarted.Rehydrate(); err != nil {
		t.Fatalf("rehydrate failed: %v", err)
	}
	record, ok := restarted.Get(created.ID)
	if !ok {
		t.Fatalf("expected rehydrated signer")
	}
	if record.Status != StatusApproved || record.FID != 42 {
		t.Fatalf("unexpected rehydrated record: %+v", record)
	}
}
