package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Keys under which the SDK keeps its state.
const (
	KeySetupCompleted        = "SHINARA_SDK_SETUP_COMPLETED"
	KeyReferralCode          = "SHINARA_SDK_REFERRAL_CODE"
	KeyProgramID             = "SHINARA_SDK_PROGRAM_ID"
	KeyReferralCodeID        = "SHINARA_SDK_REFERRAL_CODE_ID"
	KeyExternalUserID        = "SHINARA_SDK_EXTERNAL_USER_ID"
	KeyAutoGenUserID         = "SHINARA_SDK_AUTO_GEN_EXTERNAL_USER_ID"
	KeyProcessedTransactions = "SHINARA_SDK_PROCESSED_TRANSACTIONS"
	KeyRegisteredUsers       = "SHINARA_SDK_REGISTERED_USERS"
)

// Referral is the referral record created by a successful code validation.
type Referral struct {
	// Code is the referral code as entered or received through a deep link.
	Code string
	// ProgramID is the campaign the code belongs to.
	ProgramID string
	// CodeID is the affiliate code id. Empty when the gateway did not return one.
	CodeID string
}

// Store is the typed repository over a KV.
type Store struct {
	kv KV

	// autoMu serialises EnsureAutoUserID so one device mints one anonymous id.
	autoMu sync.Mutex
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Close closes the underlying KV.
func (s *Store) Close() error {
	return s.kv.Close()
}

// SetupCompleted reports whether the tracking session was already accepted.
func (s *Store) SetupCompleted(ctx context.Context) (bool, error) {
	v, ok, err := s.kv.Get(ctx, KeySetupCompleted)
	if err != nil || !ok {
		return false, err
	}
	done, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", KeySetupCompleted, err)
	}
	return done, nil
}

// MarkSetupCompleted persists the setup flag.
func (s *Store) MarkSetupCompleted(ctx context.Context) error {
	return s.kv.Apply(ctx, Put(KeySetupCompleted, strconv.FormatBool(true)))
}

// Referral returns the persisted referral record. ok is false when no code
// has been validated yet.
func (s *Store) Referral(ctx context.Context) (ref Referral, ok bool, err error) {
	if ref.Code, ok, err = s.kv.Get(ctx, KeyReferralCode); err != nil || !ok {
		return Referral{}, false, err
	}
	if ref.ProgramID, _, err = s.kv.Get(ctx, KeyProgramID); err != nil {
		return Referral{}, false, err
	}
	if ref.CodeID, _, err = s.kv.Get(ctx, KeyReferralCodeID); err != nil {
		return Referral{}, false, err
	}
	return ref, true, nil
}

// SaveReferral replaces the referral record in one commit. A record without
// CodeID removes any code id left by a previous referral.
func (s *Store) SaveReferral(ctx context.Context, ref Referral) error {
	ops := []Op{
		Put(KeyReferralCode, ref.Code),
		Put(KeyProgramID, ref.ProgramID),
	}
	if ref.CodeID != "" {
		ops = append(ops, Put(KeyReferralCodeID, ref.CodeID))
	} else {
		ops = append(ops, Delete(KeyReferralCodeID))
	}
	return s.kv.Apply(ctx, ops...)
}

// ReferralCode returns the persisted referral code.
func (s *Store) ReferralCode(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, KeyReferralCode)
}

// ProgramID returns the persisted program id.
func (s *Store) ProgramID(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, KeyProgramID)
}

// ReferralCodeID returns the persisted affiliate code id.
func (s *Store) ReferralCodeID(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, KeyReferralCodeID)
}

// UserID returns the confirmed external user id.
func (s *Store) UserID(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, KeyExternalUserID)
}

// AutoUserID returns the anonymous user id, if one has been generated and not
// yet superseded by a confirmed id.
func (s *Store) AutoUserID(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, KeyAutoGenUserID)
}

// EnsureAutoUserID returns the id requests should identify the device with.
// A confirmed user id wins and is returned with confirmed set; otherwise the
// anonymous id is returned, generated with newID and persisted when none
// exists. It is the only place anonymous ids are minted, and it serialises
// with ConfirmUser so an anonymous id is never minted next to a confirmed one.
func (s *Store) EnsureAutoUserID(ctx context.Context, newID func() string) (id string, confirmed bool, err error) {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()

	id, ok, err := s.kv.Get(ctx, KeyExternalUserID)
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, true, nil
	}

	id, ok, err = s.kv.Get(ctx, KeyAutoGenUserID)
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, false, nil
	}

	id = newID()
	if err := s.kv.Apply(ctx, Put(KeyAutoGenUserID, id)); err != nil {
		return "", false, err
	}
	return id, false, nil
}

// ConfirmUser records a successful registration: the confirmed id is stored,
// the anonymous id is cleared and userID joins the registered set, all in one
// commit.
func (s *Store) ConfirmUser(ctx context.Context, userID string) error {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()

	return s.kv.Apply(ctx,
		Put(KeyExternalUserID, userID),
		Delete(KeyAutoGenUserID),
		AddMember(KeyRegisteredUsers, userID),
	)
}

// IsUserRegistered reports whether userID was already registered.
func (s *Store) IsUserRegistered(ctx context.Context, userID string) (bool, error) {
	return s.kv.IsMember(ctx, KeyRegisteredUsers, userID)
}

// RegisteredUsers lists every registered user id.
func (s *Store) RegisteredUsers(ctx context.Context) ([]string, error) {
	return s.kv.Members(ctx, KeyRegisteredUsers)
}

// IsTransactionProcessed reports whether transactionID was already attributed.
func (s *Store) IsTransactionProcessed(ctx context.Context, transactionID string) (bool, error) {
	return s.kv.IsMember(ctx, KeyProcessedTransactions, transactionID)
}

// MarkTransactionProcessed adds transactionID to the processed set.
func (s *Store) MarkTransactionProcessed(ctx context.Context, transactionID string) error {
	return s.kv.Apply(ctx, AddMember(KeyProcessedTransactions, transactionID))
}

// ProcessedTransactions lists every attributed transaction id.
func (s *Store) ProcessedTransactions(ctx context.Context) ([]string, error) {
	return s.kv.Members(ctx, KeyProcessedTransactions)
}
