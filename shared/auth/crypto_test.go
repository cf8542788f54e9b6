package auth

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestSecretBoxRoundTrip(t *testing.T) {
	c := qt.New(t)
	box, err := NewSecretBox("bridge-encryption-key")
	c.Assert(err, qt.IsNil)

	enc, err := box.Encrypt("broker-password")
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Contains(enc, "broker-password"), qt.IsFalse)

	enc2, err := box.Encrypt("broker-password")
	c.Assert(err, qt.IsNil)
	c.Assert(enc2, qt.Not(qt.Equals), enc)

	plain, err := box.Decrypt(enc)
	c.Assert(err, qt.IsNil)
	c.Assert(plain, qt.Equals, "broker-password")
}

func TestSecretBoxRejectsTamperingAndWrongKey(t *testing.T) {
	c := qt.New(t)
	box, err := NewSecretBox("key-one")
	c.Assert(err, qt.IsNil)
	other, err := NewSecretBox("key-two")
	c.Assert(err, qt.IsNil)

	enc, err := box.Encrypt("s3cret")
	c.Assert(err, qt.IsNil)

	_, err = other.Decrypt(enc)
	c.Assert(err, qt.Not(qt.IsNil))

	_, err = box.Decrypt("!!not-base64!!")
	c.Assert(err, qt.Not(qt.IsNil))

	_, err = box.Decrypt("AAAA")
	c.Assert(err, qt.Not(qt.IsNil))

	_, err = NewSecretBox("")
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestSignAndVerify(t *testing.T) {
	c := qt.New(t)
	secret := []byte("device-secret")
	sig := Sign(secret, []byte(`{"readings":[]}`))
	c.Assert(VerifySignature(secret, []byte(`{"readings":[]}`), sig), qt.IsTrue)
	c.Assert(VerifySignature(secret, []byte(`{"readings":[1]}`), sig), qt.IsFalse)
	c.Assert(VerifySignature([]byte("other"), []byte(`{"readings":[]}`), sig), qt.IsFalse)
	c.Assert(VerifySignature(secret, []byte(`{"readings":[]}`), "zz"), qt.IsFalse)
}

func TestCredentialsAndHashes(t *testing.T) {
	c := qt.New(t)
	key, err := NewDeviceKey()
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(key, "dk_"), qt.IsTrue)

	tok, err := NewSetupToken()
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(tok, "st_"), qt.IsTrue)

	h := HashDeviceKey(key)
	c.Assert(h, qt.HasLen, 64)
	c.Assert(strings.Contains(h, key), qt.IsFalse)
	c.Assert(CompareHash(key, h), qt.IsTrue)
	c.Assert(CompareHash(key+"x", h), qt.IsFalse)
	// SHA-256("abc")
	c.Assert(HashToken("abc"), qt.Equals, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
}
