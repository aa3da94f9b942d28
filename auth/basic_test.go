package auth

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

var cheap = Params{Time: 1, Memory: 64, Threads: 1}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse", cheap)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=64,t=1,p=1$") {
		t.Fatalf("unexpected PHC string %q", hash)
	}

	ok, err := VerifyPassword([]byte("correct-horse"), hash)
	if err != nil || !ok {
		t.Fatal("correct password should verify", err)
	}
	ok, err = VerifyPassword([]byte("wrong"), hash)
	if err != nil || ok {
		t.Fatal("wrong password should not verify", err)
	}

	again, _ := HashPassword("correct-horse", cheap)
	if again == hash {
		t.Fatal("salts should differ")
	}
}

func TestInvalidHash(t *testing.T) {
	for _, h := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=16$m=64,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1$!!$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1$c2FsdA$",
	} {
		if _, err := VerifyPassword([]byte("x"), h); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("%q: expected ErrInvalidHash, got %v", h, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	ba := NewBasic(cheap)
	if err := ba.RegisterUser("dev42", "dev", "secret", "kitchen"); err != nil {
		t.Fatal(err)
	}
	if err := ba.RegisterUser("dev43", "dev", "secret", ""); err != nil {
		t.Fatal(err)
	}

	name, err := ba.Authenticate("dev42", "dev", []byte("secret"))
	if err != nil || name != "kitchen" {
		t.Fatalf("got %q, %v", name, err)
	}
	name, err = ba.Authenticate("dev43", "dev", []byte("secret"))
	if err != nil || name != "dev43" {
		t.Fatalf("got %q, %v", name, err)
	}

	if _, err = ba.Authenticate("dev42", "dev", []byte("nope")); err != ErrBadCredentials {
		t.Fatal("expected bad credentials, got", err)
	}
	if _, err = ba.Authenticate("dev42", "other", []byte("secret")); err != ErrBadCredentials {
		t.Fatal("expected bad credentials, got", err)
	}
	if _, err = ba.Authenticate("stranger", "", nil); err != ErrUnknownUser {
		t.Fatal("expected unknown user, got", err)
	}

	ba.ToggleGuestAccess(true)
	if name, err = ba.Authenticate("stranger", "", nil); err != nil || name != "stranger" {
		t.Fatalf("guest: got %q, %v", name, err)
	}
	// registered client ids still need their password
	if _, err = ba.Authenticate("dev42", "", nil); err != ErrBadCredentials {
		t.Fatal("expected bad credentials, got", err)
	}

	ba.RemoveUser("dev42")
	if name, err = ba.Authenticate("dev42", "", nil); err != nil || name != "dev42" {
		t.Fatalf("removed user as guest: got %q, %v", name, err)
	}
}

func TestRegisterHashedRejectsGarbage(t *testing.T) {
	ba := NewBasic(cheap)
	if err := ba.RegisterHashed("a", "u", "not-a-hash", ""); !errors.Is(err, ErrInvalidHash) {
		t.Fatal("expected ErrInvalidHash, got", err)
	}
}
