package federation

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/lowfreq/tremolo/util"
)

func TestSignAndVerifyPost(t *testing.T) {
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}
	priv, err := util.ParsePrivateKey(keys.Private)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", ContentType)

	keyID := "https://music.example/federation/actors/service#main-key"
	if err := SignPostRequest(req, body, priv, keyID); err != nil {
		t.Fatalf("SignPostRequest failed: %v", err)
	}
	if req.Header.Get("Signature") == "" {
		t.Fatal("no Signature header set")
	}
	if req.Header.Get("Digest") == "" {
		t.Fatal("no Digest header set")
	}

	gotKeyID, err := VerifyRequest(req, keys.Public)
	if err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}
	if gotKeyID != keyID {
		t.Errorf("keyId = %q, want %q", gotKeyID, keyID)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signKeys, _ := util.GeneratePemKeypair()
	otherKeys, _ := util.GeneratePemKeypair()
	priv, err := util.ParsePrivateKey(signKeys.Private)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, "https://remote.example/actors/alice", nil)
	req.Header.Set("Accept", ContentType)
	if err := SignGetRequest(req, priv, "https://music.example/federation/actors/service#main-key"); err != nil {
		t.Fatal(err)
	}

	_, err = VerifyRequest(req, otherKeys.Public)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRejectsStaleDate(t *testing.T) {
	keys, _ := util.GeneratePemKeypair()
	priv, err := util.ParsePrivateKey(keys.Private)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, "https://remote.example/actors/alice", nil)
	if err := SignGetRequest(req, priv, "https://b.test/u/bob#main-key"); err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Date", time.Now().Add(-10*time.Minute).UTC().Format(http.TimeFormat))

	_, err = VerifyRequest(req, keys.Public)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid for stale date, got %v", err)
	}
}

func TestParseSignatureKeyID(t *testing.T) {
	keys, _ := util.GeneratePemKeypair()
	priv, err := util.ParsePrivateKey(keys.Private)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://remote.example/x", nil)
	if err := SignGetRequest(req, priv, "https://b.test/u/bob#main-key"); err != nil {
		t.Fatal(err)
	}

	keyID, err := ParseSignatureKeyID(req)
	if err != nil {
		t.Fatalf("ParseSignatureKeyID failed: %v", err)
	}
	if keyID != "https://b.test/u/bob#main-key" {
		t.Errorf("keyID = %q", keyID)
	}
	if owner := KeyOwner(keyID); owner != "https://b.test/u/bob" {
		t.Errorf("KeyOwner = %q", owner)
	}
}

func TestParseSignatureKeyIDMissing(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://music.example/inbox", nil)
	if _, err := ParseSignatureKeyID(req); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}
