package keys

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mosaicnetworks/stakenet/src/crypto"
)

func TestSimpleKeyfile(t *testing.T) {
	dir := t.TempDir()

	simpleKeyfile := NewSimpleKeyfile(filepath.Join(dir, "priv_key"))

	// Try a read, should get nothing
	key, err := simpleKeyfile.ReadKey()
	if err == nil {
		t.Fatalf("ReadKey should generate an error")
	}
	if key != nil {
		t.Fatalf("key is not nil")
	}

	// Initialize a key and try a write
	key, _ = GenerateECDSAKey()

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should get key
	nKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(*nKey, *key) {
		t.Fatalf("Keys do not match")
	}
}

func TestReadOrGenerate(t *testing.T) {
	kf := NewSimpleKeyfile(filepath.Join(t.TempDir(), "nested", "priv_key"))

	first, created, err := kf.ReadOrGenerate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !created {
		t.Fatalf("first call should create a key")
	}

	second, created, err := kf.ReadOrGenerate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if created {
		t.Fatalf("second call should read the existing key")
	}

	if PrivateKeyHex(first) != PrivateKeyHex(second) {
		t.Fatalf("keys differ between calls")
	}
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()

	// Initialize a key and try a write
	key, _ := GenerateECDSAKey()
	rawKey := hex.EncodeToString(DumpPrivateKey(key))

	badKeyPath := filepath.Join(dir, "priv_key_bad")

	// random selection of permissions that should not be accepted.
	shouldErr := []os.FileMode{
		0777, 0766, 0744,
		0677, 0666, 0644,
		0477, 0466, 0444,
	}

	for _, fm := range shouldErr {
		os.Remove(badKeyPath)
		os.WriteFile(badKeyPath, []byte(rawKey), fm)
		os.Chmod(badKeyPath, fm)

		badKeyFile := NewSimpleKeyfile(badKeyPath)

		if _, err := badKeyFile.ReadKey(); err == nil {
			t.Fatalf("%o || badKeyFile should return permissions error", fm)
		}
	}

	goodKeyPath := filepath.Join(dir, "priv_key_good")

	// random selection of permissions that should pass
	shouldNotErr := []os.FileMode{
		0700, 0600, 0500, 0400,
	}

	for _, fm := range shouldNotErr {
		os.Remove(goodKeyPath)
		os.WriteFile(goodKeyPath, []byte(rawKey), fm)
		os.Chmod(goodKeyPath, fm)

		goodKeyFile := NewSimpleKeyfile(goodKeyPath)

		if _, err := goodKeyFile.ReadKey(); err != nil {
			t.Fatalf("%o || goodKeyFile should not return error. Got %v", fm, err)
		}
	}
}

func TestPublicKeyHex(t *testing.T) {
	key, _ := GenerateECDSAKey()

	pubHex := PublicKeyHex(&key.PublicKey)

	pub, err := PublicKeyFromHex(pubHex)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatalf("public key does not survive the hex encoding")
	}

	if len(CompressPublicKey(pub)) != 33 {
		t.Fatalf("compressed public key should be 33 bytes")
	}

	if _, err := PublicKeyFromHex("0X0102"); err == nil {
		t.Fatalf("PublicKeyFromHex should reject a point that is not on the curve")
	}
}

func TestSignatureEncoding(t *testing.T) {
	privKey, _ := GenerateECDSAKey()

	msgHashBytes := crypto.SHA256Concat([]byte("nonce:subnet:peer"))

	sig, err := Sign(privKey, msgHashBytes)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeSignature(EncodeSignature(sig))
	if err != nil {
		t.Fatal(err)
	}

	if !Verify(&privKey.PublicKey, msgHashBytes, decoded) {
		t.Fatalf("signature should verify")
	}

	other, _ := GenerateECDSAKey()
	if Verify(&other.PublicKey, msgHashBytes, decoded) {
		t.Fatalf("signature should not verify under another key")
	}

	if Verify(&privKey.PublicKey, crypto.SHA256Concat([]byte("other")), decoded) {
		t.Fatalf("signature should not verify another message")
	}
}

func TestParsePrivateKeyRange(t *testing.T) {
	if _, err := ParsePrivateKey(make([]byte, 32)); err == nil {
		t.Fatalf("zero key should be rejected")
	}

	n := Curve().Params().N.Bytes()
	if _, err := ParsePrivateKey(n); err == nil {
		t.Fatalf("key equal to N should be rejected")
	}

	if _, err := ParsePrivateKey([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short key should be rejected")
	}
}
