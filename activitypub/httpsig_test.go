package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
)

// generateTestKeyPair generates an RSA key pair for testing
func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

// calculateDigest calculates SHA-256 digest for request body
func calculateDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// privateKeyToPEM converts private key to PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: keyBytes,
	})
	return string(keyPEM)
}

// publicKeyToPEM converts public key to PEM string
func publicKeyToPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: keyBytes,
	})
	return string(keyPEM)
}

func signedTestRequest(t *testing.T, privateKey *rsa.PrivateKey, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", "https://remote.example/users/bob/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", util.HTTPDate(time.Now()))
	req.Header.Set("Digest", calculateDigest(body))
	req.Header.Set("Content-Type", "application/activity+json")

	if err := SignRequest(req, privateKey, "https://local.example/users/alice#main-key"); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}

func TestParsePrivateKey(t *testing.T) {
	privateKey, _ := generateTestKeyPair(t)
	pemString := privateKeyToPEM(privateKey)

	parsed, err := ParsePrivateKey(pemString)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed private key does not match original")
	}
}

func TestParsePrivateKeyInvalid(t *testing.T) {
	if _, err := ParsePrivateKey("not a pem block"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
}

func TestParsePublicKey(t *testing.T) {
	_, publicKey := generateTestKeyPair(t)
	pemString := publicKeyToPEM(t, publicKey)

	parsed, err := ParsePublicKey(pemString)
	if err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}
	if parsed.N.Cmp(publicKey.N) != 0 {
		t.Error("Parsed public key does not match original")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedTestRequest(t, privateKey, body)

	if req.Header.Get("Signature") == "" {
		t.Fatal("Expected Signature header to be set")
	}

	actorURI, err := VerifyRequest(req, publicKeyToPEM(t, publicKey))
	if err != nil {
		t.Fatalf("Failed to verify signed request: %v", err)
	}
	if actorURI != "https://local.example/users/alice" {
		t.Errorf("Expected actor URI without key fragment, got '%s'", actorURI)
	}
}

func TestSignatureKeyId(t *testing.T) {
	privateKey, _ := generateTestKeyPair(t)
	req := signedTestRequest(t, privateKey, []byte(`{}`))

	keyId, err := SignatureKeyId(req)
	if err != nil {
		t.Fatalf("Failed to extract keyId: %v", err)
	}
	if keyId != "https://local.example/users/alice#main-key" {
		t.Errorf("Expected signing keyId, got '%s'", keyId)
	}
}

func TestSignatureKeyIdUnsigned(t *testing.T) {
	req, err := http.NewRequest("POST", "https://remote.example/users/bob/inbox", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if _, err := SignatureKeyId(req); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("Expected ErrSignatureInvalid for unsigned request, got %v", err)
	}
}

func TestVerifyRequestWrongKey(t *testing.T) {
	privateKey, _ := generateTestKeyPair(t)
	_, otherPublicKey := generateTestKeyPair(t)
	req := signedTestRequest(t, privateKey, []byte(`{}`))

	_, err := VerifyRequest(req, publicKeyToPEM(t, otherPublicKey))
	if err == nil {
		t.Fatal("Expected verification to fail with wrong key")
	}
	if !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("Expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRequestTamperedBody(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	req := signedTestRequest(t, privateKey, []byte(`{"type":"Follow"}`))

	// Digest no longer matches what was signed
	req.Header.Set("Digest", calculateDigest([]byte(`{"type":"Delete"}`)))

	if _, err := VerifyRequest(req, publicKeyToPEM(t, publicKey)); err == nil {
		t.Error("Expected verification to fail for tampered digest")
	}
}

func TestVerifyRequestBadKeyPem(t *testing.T) {
	privateKey, _ := generateTestKeyPair(t)
	req := signedTestRequest(t, privateKey, []byte(`{}`))

	_, err := VerifyRequest(req, "garbage")
	if !errors.Is(err, domain.ErrKeyUnresolvable) {
		t.Errorf("Expected ErrKeyUnresolvable for bad key material, got %v", err)
	}
}

func TestCheckDateSkew(t *testing.T) {
	tolerance := 5 * time.Minute

	tests := []struct {
		name    string
		date    string
		wantErr bool
	}{
		{"current time", util.HTTPDate(time.Now()), false},
		{"slightly old", util.HTTPDate(time.Now().Add(-4 * time.Minute)), false},
		{"slightly ahead", util.HTTPDate(time.Now().Add(4 * time.Minute)), false},
		{"too old", util.HTTPDate(time.Now().Add(-10 * time.Minute)), true},
		{"too far ahead", util.HTTPDate(time.Now().Add(10 * time.Minute)), true},
		{"missing", "", true},
		{"unparseable", "yesterday-ish", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "https://local.example/inbox", nil)
			if tt.date != "" {
				req.Header.Set("Date", tt.date)
			}
			err := CheckDateSkew(req, tolerance)
			if tt.wantErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if tt.wantErr && err != nil && !errors.Is(err, domain.ErrClockSkew) {
				t.Errorf("Expected ErrClockSkew, got %v", err)
			}
		})
	}
}
