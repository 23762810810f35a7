package jobqueue

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// VerifyReason is a machine-checkable rejection code from VerifyTicket/VerifyResult.
type VerifyReason string

const (
	ReasonOK             VerifyReason = ""
	ReasonBadSignature   VerifyReason = "BAD_SIG"
	ReasonExpired        VerifyReason = "EXPIRED"
	ReasonBadPayloadHash VerifyReason = "BAD_PAYLOAD_HASH"
)

// VerifyOutcome is the {ok, reason?} result of a verification call (§4.1).
type VerifyOutcome struct {
	OK     bool
	Reason VerifyReason
}

// KeyPair is the process-wide asymmetric signing key, identified so that
// outstanding tickets keep verifying across a future key rotation (§9
// "Globally mutable signer key").
type KeyPair struct {
	KeyID      string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Signer produces and checks ticket and result signatures over the fixed
// canonical encoding shared by producers and workers (§4.1).
type Signer struct {
	keys map[string]KeyPair
	// activeKeyID is used for signTicket/signResult when the caller doesn't
	// pin one explicitly.
	activeKeyID string
}

// NewSigner builds a Signer around a single active key pair. Loading the key
// from configuration is the caller's job; a process with no key must fail to
// start rather than silently sign with an insecure default (§9).
func NewSigner(keyID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("jobqueue: invalid private key size %d", len(priv))
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("jobqueue: invalid public key size %d", len(pub))
	}
	if keyID == "" {
		keyID = "default"
	}
	return &Signer{
		keys: map[string]KeyPair{
			keyID: {KeyID: keyID, PrivateKey: priv, PublicKey: pub},
		},
		activeKeyID: keyID,
	}, nil
}

// AddKey registers an additional key pair the signer can verify against
// (but not sign new tickets with), for rotation windows.
func (s *Signer) AddKey(keyID string, pub ed25519.PublicKey) {
	if s.keys == nil {
		s.keys = make(map[string]KeyPair)
	}
	existing := s.keys[keyID]
	existing.KeyID = keyID
	existing.PublicKey = pub
	s.keys[keyID] = existing
}

// DeriveWorkerSecret derives a per-queue HMAC secret from a master secret
// using HKDF, so a single configured secret can be scoped per queue name
// without storing N secrets.
func DeriveWorkerSecret(masterSecret []byte, queue string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("jobqueue: master secret is empty")
	}
	reader := hkdf.New(sha256.New, masterSecret, nil, []byte("jobqueue-worker:"+queue))
	out := make([]byte, 32)
	if _, err := reader.Read(out); err != nil {
		return nil, fmt.Errorf("derive worker secret: %w", err)
	}
	return out, nil
}

func ticketSigningFields(t Ticket) map[string]interface{} {
	fields := map[string]interface{}{
		"jobId":            t.JobID,
		"jobType":          t.JobType,
		"actorId":          t.ActorID,
		"policyDecisionId": t.PolicyDecisionID,
		"requestedAt":      t.RequestedAt.UTC().Format(time.RFC3339Nano),
		"expiresAt":        t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"payloadHash":      t.PayloadHash,
		"nonce":            t.Nonce,
		"traceId":          t.TraceID,
	}
	if len(t.Scope) > 0 {
		scope := make([]interface{}, len(t.Scope))
		for i, s := range t.Scope {
			scope[i] = s
		}
		fields["scope"] = scope
	}
	return fields
}

// SignTicket populates Signature over CanonicalJSON(fields \ {signature}).
func (s *Signer) SignTicket(t Ticket) (Ticket, error) {
	kp, ok := s.keys[s.activeKeyID]
	if !ok {
		return Ticket{}, fmt.Errorf("jobqueue: no active signing key")
	}
	canonical, err := CanonicalJSON(ticketSigningFields(t))
	if err != nil {
		return Ticket{}, err
	}
	sig := ed25519.Sign(kp.PrivateKey, []byte(canonical))
	t.Signature = kp.KeyID + "." + base64.RawURLEncoding.EncodeToString(sig)
	return t, nil
}

// VerifyTicket recomputes canonical bytes and checks the signature, optionally
// checking the payload hash against a freshly-hashed canonical payload.
func (s *Signer) VerifyTicket(t Ticket, now time.Time, canonicalPayload string) VerifyOutcome {
	sig, keyID, err := splitSignature(t.Signature)
	if err != nil {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	kp, ok := s.keys[keyID]
	if !ok {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	canonical, err := CanonicalJSON(ticketSigningFields(t))
	if err != nil {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	if !ed25519.Verify(kp.PublicKey, []byte(canonical), sig) {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	if !now.Before(t.ExpiresAt) {
		return VerifyOutcome{OK: false, Reason: ReasonExpired}
	}
	if canonicalPayload != "" && PayloadHash(canonicalPayload) != t.PayloadHash {
		return VerifyOutcome{OK: false, Reason: ReasonBadPayloadHash}
	}
	return VerifyOutcome{OK: true}
}

func resultSigningFields(r Result) map[string]interface{} {
	fields := map[string]interface{}{
		"jobId":       r.JobID,
		"workerId":    r.WorkerID,
		"status":      string(r.Status),
		"completedAt": r.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.Output != "" {
		fields["output"] = r.Output
	}
	if r.Error != nil {
		fields["error"] = map[string]interface{}{
			"code":      r.Error.Code,
			"message":   r.Error.Message,
			"retryable": r.Error.Retryable,
		}
	}
	return fields
}

// SignResult signs the worker's result envelope.
func (s *Signer) SignResult(r Result) (Result, error) {
	kp, ok := s.keys[s.activeKeyID]
	if !ok {
		return Result{}, fmt.Errorf("jobqueue: no active signing key")
	}
	canonical, err := CanonicalJSON(resultSigningFields(r))
	if err != nil {
		return Result{}, err
	}
	sig := ed25519.Sign(kp.PrivateKey, []byte(canonical))
	r.Signature = kp.KeyID + "." + base64.RawURLEncoding.EncodeToString(sig)
	return r, nil
}

// VerifyResult checks that the result names the stored ticket's jobId, that
// its signature verifies over the result fields, and that the stored ticket
// carries a payloadHash (§4.1). The payloadHash is not among the signed
// result fields, so the signature does not cover it.
func (s *Signer) VerifyResult(r Result, storedTicket Ticket) VerifyOutcome {
	if r.JobID != storedTicket.JobID {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	sig, keyID, err := splitSignature(r.Signature)
	if err != nil {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	kp, ok := s.keys[keyID]
	if !ok {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	canonical, err := CanonicalJSON(resultSigningFields(r))
	if err != nil {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	if !ed25519.Verify(kp.PublicKey, []byte(canonical), sig) {
		return VerifyOutcome{OK: false, Reason: ReasonBadSignature}
	}
	if storedTicket.PayloadHash == "" {
		return VerifyOutcome{OK: false, Reason: ReasonBadPayloadHash}
	}
	return VerifyOutcome{OK: true}
}

func splitSignature(raw string) (sig []byte, keyID string, err error) {
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, "", fmt.Errorf("jobqueue: malformed signature")
	}
	sig, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, "", fmt.Errorf("jobqueue: decode signature: %w", err)
	}
	return sig, parts[0], nil
}

// KeyIDFromHex decodes a hex-encoded ed25519 private and public key, the
// shape ATTESTATION_PRIVATE_KEY/ATTESTATION_PUBLIC_KEY are configured in, and
// returns the two keys; keyID is not used.
func KeyIDFromHex(keyID, privHex, pubHex string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privBytes, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("decode private key: %w", err)
	}
	pubBytes, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("decode public key: %w", err)
	}
	return ed25519.PrivateKey(privBytes), ed25519.PublicKey(pubBytes), nil
}
