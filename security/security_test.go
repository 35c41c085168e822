package security

import (
	"bytes"
	"testing"

	"github.com/ollapress/pdfseal/raw"
)

var testFileID = []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}

func buildHandler(t *testing.T, method Method, userPwd, ownerPwd string) Handler {
	t.Helper()
	dict, _, err := BuildStandardEncryption(userPwd, ownerPwd, method, AllowAll(), testFileID)
	if err != nil {
		t.Fatalf("build encryption: %v", err)
	}
	h, err := (&HandlerBuilder{}).WithEncryptDict(dict).WithFileID(testFileID).Build()
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return h
}

func TestRC4UserPasswordRoundTrip(t *testing.T) {
	dict, fileKey, err := BuildStandardEncryption("secret", "secret", MethodRC4128, AllowAll(), testFileID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dict.Int("V", 0) != 2 || dict.Int("R", 0) != 3 || dict.Int("Length", 0) != 128 {
		t.Fatalf("unexpected dictionary shape: %v", dict.KV)
	}
	if len(fileKey) != 16 {
		t.Fatalf("file key length %d", len(fileKey))
	}

	wh, err := NewWriteHandler(dict, fileKey, testFileID)
	if err != nil {
		t.Fatalf("write handler: %v", err)
	}
	plain := []byte("buyer watermark content")
	ct, err := wh.Encrypt(7, 0, plain, DataClassStream)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(ct, plain) {
		t.Fatal("ciphertext equals plaintext")
	}

	rh := buildHandler(t, MethodRC4128, "secret", "secret")
	if err := rh.Authenticate("secret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	got, err := rh.Decrypt(7, 0, ct, DataClassStream)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestAuthenticateOwnerPassword(t *testing.T) {
	h := buildHandler(t, MethodRC4128, "userpw", "ownerpw")
	if err := h.Authenticate("ownerpw"); err != nil {
		t.Fatalf("owner password rejected: %v", err)
	}
	h = buildHandler(t, MethodRC4128, "userpw", "ownerpw")
	if err := h.Authenticate("userpw"); err != nil {
		t.Fatalf("user password rejected: %v", err)
	}
}

// Foreign R3 documents may carry key lengths below 128 bits; both password
// paths must authenticate against entries derived with the shorter key.
func TestAuthenticateShortKeyR3(t *testing.T) {
	const keyLen = 10 // 80-bit key
	pVal := PermissionsValue(AllowAll())
	oEntry := computeOwnerEntry([]byte("ownerpw"), []byte("userpw"), keyLen, 3)
	fileKey := deriveKey([]byte("userpw"), oEntry, pVal, testFileID, keyLen, 3, true)
	uEntry := computeUserEntry(fileKey, testFileID, 3)

	dict := raw.Dict()
	dict.KV["Filter"] = raw.NameLiteral("Standard")
	dict.KV["V"] = raw.NumberInt(2)
	dict.KV["R"] = raw.NumberInt(3)
	dict.KV["Length"] = raw.NumberInt(keyLen * 8)
	dict.KV["O"] = raw.HexStr(oEntry)
	dict.KV["U"] = raw.HexStr(uEntry)
	dict.KV["P"] = raw.NumberInt(int64(pVal))

	for _, pwd := range []string{"userpw", "ownerpw"} {
		h, err := (&HandlerBuilder{}).WithEncryptDict(dict).WithFileID(testFileID).Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := h.Authenticate(pwd); err != nil {
			t.Fatalf("password %q rejected with 80-bit key: %v", pwd, err)
		}
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	h := buildHandler(t, MethodRC4128, "right", "right")
	if err := h.Authenticate("wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestAES128RoundTrip(t *testing.T) {
	dict, fileKey, err := BuildStandardEncryption("pw", "", MethodAES128, AllowAll(), testFileID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dict.Int("V", 0) != 4 || dict.Int("R", 0) != 4 {
		t.Fatalf("unexpected V/R: %v", dict.KV)
	}
	if dict.Name("StmF") != "StdCF" || dict.Name("StrF") != "StdCF" {
		t.Fatal("StdCF filters missing")
	}

	wh, err := NewWriteHandler(dict, fileKey, testFileID)
	if err != nil {
		t.Fatalf("write handler: %v", err)
	}
	plain := []byte("this payload is longer than a single aes block")
	ct, err := wh.Encrypt(3, 0, plain, DataClassStream)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ct)%16 != 0 || len(ct) < len(plain) {
		t.Fatalf("ciphertext length %d", len(ct))
	}

	rh := buildHandler(t, MethodAES128, "pw", "")
	if err := rh.Authenticate("pw"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	got, err := rh.Decrypt(3, 0, ct, DataClassStream)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestDeterministicAESOutput(t *testing.T) {
	dict, fileKey, err := BuildStandardEncryption("pw", "", MethodAES128, AllowAll(), testFileID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	encryptTwice := func() [][]byte {
		wh, err := NewWriteHandler(dict, fileKey, testFileID)
		if err != nil {
			t.Fatalf("write handler: %v", err)
		}
		a, _ := wh.Encrypt(1, 0, []byte("first"), DataClassString)
		b, _ := wh.Encrypt(2, 0, []byte("second"), DataClassString)
		return [][]byte{a, b}
	}
	run1, run2 := encryptTwice(), encryptTwice()
	if !bytes.Equal(run1[0], run2[0]) || !bytes.Equal(run1[1], run2[1]) {
		t.Fatal("deterministic handler produced differing ciphertexts")
	}
	if bytes.Equal(run1[0][:16], run1[1][:16]) {
		t.Fatal("IV reused across objects")
	}
}

func TestBuildRequiresFileID(t *testing.T) {
	if _, _, err := BuildStandardEncryption("pw", "", MethodRC4128, AllowAll(), nil); err == nil {
		t.Fatal("expected error without file ID")
	}
}

func TestEmptyOwnerFallsBackToUser(t *testing.T) {
	a, _, err := BuildStandardEncryption("pw", "", MethodRC4128, AllowAll(), testFileID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, _, err := BuildStandardEncryption("pw", "pw", MethodRC4128, AllowAll(), testFileID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ab, _ := a.StringBytes("O")
	bb, _ := b.StringBytes("O")
	if !bytes.Equal(ab, bb) {
		t.Fatal("O entries differ")
	}
}

func TestPermissionsValue(t *testing.T) {
	if got := PermissionsValue(AllowAll()); got != -4 {
		t.Fatalf("allow-all P = %d, want -4", got)
	}
	p := AllowAll()
	p.Print = false
	if got := PermissionsValue(p); got&(1<<2) != 0 {
		t.Fatalf("print bit still set: %d", got)
	}
	h := buildHandler(t, MethodRC4128, "x", "x")
	if err := h.Authenticate("x"); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if perms := h.Permissions(); !perms.Print || !perms.Copy {
		t.Fatalf("permissions = %+v", perms)
	}
}

func TestNoopHandler(t *testing.T) {
	h := NoopHandler()
	if h.IsEncrypted() {
		t.Fatal("noop handler claims encryption")
	}
	data := []byte("abc")
	out, err := h.Encrypt(1, 0, data, DataClassString)
	if err != nil || !bytes.Equal(out, data) {
		t.Fatalf("noop changed data: %q err %v", out, err)
	}
}
