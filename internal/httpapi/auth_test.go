package httpapi

import (
	"errors"
	"testing"
	"time"
)

func TestIssueTokenRequiresManagerPIN(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456")

	if _, err := manager.IssueToken(TokenRequest{TerminalID: "till-1", PIN: "000000"}); !errors.Is(err, errInvalidPIN) {
		t.Fatalf("expected errInvalidPIN, got %v", err)
	}
	if _, err := manager.IssueToken(TokenRequest{PIN: "123456"}); err == nil {
		t.Fatalf("expected missing terminal id to be rejected")
	}

	resp, err := manager.IssueToken(TokenRequest{TerminalID: "till-1", PIN: "123456"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != roleTerminal {
		t.Fatalf("unexpected token response %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Terminal != "till-1" || actor.Role != roleTerminal {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("secret-a", time.Hour, "123456")
	verifier := NewAuthManager("secret-b", time.Hour, "123456")

	resp, err := issuer.IssueToken(TokenRequest{TerminalID: "till-1", PIN: "123456"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); !errors.Is(err, errInvalidToken) {
		t.Fatalf("expected errInvalidToken, got %v", err)
	}
}

func TestParseTokenRejectsExpiredToken(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Minute, "123456")
	manager.now = func() time.Time { return time.Now().UTC().Add(-time.Hour) }

	resp, err := manager.IssueToken(TokenRequest{TerminalID: "till-1", PIN: "123456"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := manager.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestUnsetManagerPINRejectsEverything(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "")

	if manager.ValidateManagerPIN("") || manager.ValidateManagerPIN("123456") {
		t.Fatalf("expected no PIN to validate")
	}
	if _, err := manager.IssueToken(TokenRequest{TerminalID: "till-1", PIN: ""}); err == nil {
		t.Fatalf("expected token issuance to fail without a manager PIN")
	}
}
