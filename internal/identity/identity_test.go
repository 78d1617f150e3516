package identity

import "testing"

func TestHashedValueEqual(t *testing.T) {
	h := NewHashedValue("super-secret")
	if !h.Equal("super-secret") {
		t.Error("expected matching secret to verify")
	}
	if h.Equal("wrong-secret") {
		t.Error("expected mismatched secret to fail")
	}
}

func TestHashedValueDeterministic(t *testing.T) {
	a := NewHashedValue("same-input")
	b := NewHashedValue("same-input")
	if a != b {
		t.Errorf("expected identical hashes, got %q and %q", a, b)
	}
}

func TestHashedPasswordVerify(t *testing.T) {
	salt := NewSalt()
	h := NewHashedPassword("hunter2", salt)
	if !h.Verify("hunter2") {
		t.Error("expected correct password to verify")
	}
}

func TestHashedPasswordRejectsSingleByteChange(t *testing.T) {
	salt := NewSalt()
	h := NewHashedPassword("hunter2", salt)
	if h.Verify("hunter3") {
		t.Error("expected altered password to fail verification")
	}
	if h.Verify("Hunter2") {
		t.Error("expected case-altered password to fail verification")
	}
}

func TestHashedPasswordDifferentSaltsDifferentHashes(t *testing.T) {
	a := NewHashedPassword("hunter2", "salt-one-abcdefg")
	b := NewHashedPassword("hunter2", "salt-two-abcdefg")
	if a == b {
		t.Error("expected different salts to produce different encoded hashes")
	}
}

func TestNewIDLengthAndAlphabet(t *testing.T) {
	id := NewID()
	if len(id) != 24 {
		t.Fatalf("expected 24-char ID, got %d chars: %q", len(id), id)
	}
	for _, r := range id {
		if !isAlphaNumeric(r) {
			t.Errorf("unexpected character %q in ID %q", r, id)
		}
	}
}

func TestNewIDIsRandom(t *testing.T) {
	if NewID() == NewID() {
		t.Error("expected two calls to NewID to differ")
	}
}

func TestNewSaltLength(t *testing.T) {
	salt := NewSalt()
	if len(salt) != 16 {
		t.Fatalf("expected 16-char salt, got %d chars: %q", len(salt), salt)
	}
}

func TestNewSecretMaterialLength(t *testing.T) {
	b := NewSecretMaterial()
	if len(b) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(b))
	}
}

func isAlphaNumeric(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
