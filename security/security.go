// Package security implements the Standard security handler for revisions 2
// to 4: RC4 with 40 or 128 bit keys and AES-128 (AESV2). The write side
// builds Encrypt dictionaries with proper R3/R4 owner and user entries; the
// read side authenticates both the user and the owner password.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ollapress/pdfseal/raw"
)

// Method selects the cipher for newly written documents.
type Method int

const (
	MethodRC4128 Method = iota // V2/R3, the 128-bit default
	MethodAES128               // V4/R4 with an AESV2 crypt filter
)

type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
)

type Permissions struct {
	Print             bool
	Modify            bool
	Copy              bool
	ModifyAnnotations bool
	FillForms         bool
	ExtractAccessible bool
	Assemble          bool
	PrintHighQuality  bool
}

// AllowAll grants every permission bit.
func AllowAll() Permissions {
	return Permissions{
		Print: true, Modify: true, Copy: true, ModifyAnnotations: true,
		FillForms: true, ExtractAccessible: true, Assemble: true, PrintHighQuality: true,
	}
}

// PermissionsValue encodes permissions as the P entry. Reserved bits are set
// per ISO 32000-1 table 22.
func PermissionsValue(p Permissions) int32 {
	val := int32(-4) // all bits set except the two reserved zero bits
	if !p.Print {
		val &^= 1 << 2
	}
	if !p.Modify {
		val &^= 1 << 3
	}
	if !p.Copy {
		val &^= 1 << 4
	}
	if !p.ModifyAnnotations {
		val &^= 1 << 5
	}
	if !p.FillForms {
		val &^= 1 << 8
	}
	if !p.ExtractAccessible {
		val &^= 1 << 9
	}
	if !p.Assemble {
		val &^= 1 << 10
	}
	if !p.PrintHighQuality {
		val &^= 1 << 11
	}
	return val
}

type Handler interface {
	IsEncrypted() bool
	Authenticate(password string) error
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	Permissions() Permissions
}

// Algorithm 2 padding string.
var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	n := copy(padded, pwd)
	copy(padded[n:], passwordPadding[:32-n])
	return padded
}

// deriveKey runs algorithm 2: the file key from a (possibly already padded)
// user password, the O entry, P, and the first file ID.
func deriveKey(pwd, owner []byte, pVal int32, fileID []byte, keyLenBytes, r int, encryptMeta bool) []byte {
	if keyLenBytes <= 0 {
		keyLenBytes = 5
	}
	if keyLenBytes > 16 {
		keyLenBytes = 16
	}
	data := make([]byte, 0, 32+len(owner)+8+len(fileID))
	data = append(data, padPassword(pwd)...)
	data = append(data, owner...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(pVal))
	data = append(data, pBuf[:]...)
	data = append(data, fileID...)
	if r >= 4 && !encryptMeta {
		data = append(data, 0xFF, 0xFF, 0xFF, 0xFF)
	}
	sum := md5.Sum(data)
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key[:keyLenBytes])
			key = sum[:]
		}
	}
	return key[:keyLenBytes]
}

// ownerKey is the RC4 key derived from the owner password (algorithm 3
// steps a-d).
func ownerKey(ownerPwd []byte, keyLenBytes, r int) []byte {
	if keyLenBytes <= 0 {
		keyLenBytes = 5
	}
	if keyLenBytes > 16 {
		keyLenBytes = 16
	}
	sum := md5.Sum(padPassword(ownerPwd))
	key := sum[:]
	if r >= 3 {
		// Each round hashes only the first key-length bytes (algorithm 3
		// step c), same as the file key derivation.
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key[:keyLenBytes])
			key = sum[:]
		}
	}
	return key[:keyLenBytes]
}

// computeOwnerEntry encrypts the padded user password under the owner key
// (algorithm 3). R3 and up apply the 19 extra XOR-keyed passes.
func computeOwnerEntry(ownerPwd, userPwd []byte, keyLenBytes, r int) []byte {
	key := ownerKey(ownerPwd, keyLenBytes, r)
	val := rc4Apply(key, padPassword(userPwd))
	if r >= 3 {
		for i := 1; i <= 19; i++ {
			val = rc4Apply(xorKey(key, byte(i)), val)
		}
	}
	return val
}

// recoverUserPassword inverts computeOwnerEntry given the owner password,
// yielding the padded user password (algorithm 7 step a).
func recoverUserPassword(ownerPwd, oEntry []byte, keyLenBytes, r int) []byte {
	key := ownerKey(ownerPwd, keyLenBytes, r)
	val := append([]byte(nil), oEntry...)
	if r >= 3 {
		for i := 19; i >= 1; i-- {
			val = rc4Apply(xorKey(key, byte(i)), val)
		}
	}
	return rc4Apply(key, val)
}

// computeUserEntry builds the U entry (algorithm 4 for R2, algorithm 5 for
// R3 and up). The R3 value is 16 significant bytes padded to 32 with zeros.
func computeUserEntry(fileKey, fileID []byte, r int) []byte {
	if r == 2 {
		return rc4Apply(fileKey, passwordPadding)
	}
	h := md5.Sum(append(append([]byte(nil), passwordPadding...), fileID...))
	val := rc4Apply(fileKey, h[:])
	for i := 1; i <= 19; i++ {
		val = rc4Apply(xorKey(fileKey, byte(i)), val)
	}
	out := make([]byte, 32)
	copy(out, val)
	return out
}

func checkUserKey(fileKey, uEntry, fileID []byte, r int) bool {
	if r == 2 {
		return len(uEntry) >= 32 && bytes.Equal(rc4Apply(fileKey, passwordPadding), uEntry[:32])
	}
	want := computeUserEntry(fileKey, fileID, r)
	return len(uEntry) >= 16 && bytes.Equal(want[:16], uEntry[:16])
}

func xorKey(key []byte, b byte) []byte {
	out := make([]byte, len(key))
	for i, c := range key {
		out[i] = c ^ b
	}
	return out
}

func rc4Apply(key, data []byte) []byte {
	c, _ := rc4.NewCipher(key)
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

// objectKey derives the per-object key (algorithm 1). AES appends the sAlT
// marker bytes before hashing.
func objectKey(fileKey []byte, objNum, gen int, useAES bool) []byte {
	key := make([]byte, 0, len(fileKey)+9)
	key = append(key, fileKey...)
	key = append(key, byte(objNum), byte(objNum>>8), byte(objNum>>16))
	key = append(key, byte(gen), byte(gen>>8))
	if useAES {
		key = append(key, 0x73, 0x41, 0x6C, 0x54)
	}
	hash := md5.Sum(key)
	n := len(fileKey) + 5
	if n > 16 {
		n = 16
	}
	return hash[:n]
}

// BuildStandardEncryption constructs the Encrypt dictionary and file key for
// a new document. User and owner password may be equal; an empty owner
// password falls back to the user password.
func BuildStandardEncryption(userPwd, ownerPwd string, method Method, perms Permissions, fileID []byte) (*raw.DictObj, []byte, error) {
	if ownerPwd == "" {
		ownerPwd = userPwd
	}
	if len(fileID) == 0 {
		return nil, nil, errors.New("file ID required for encryption")
	}
	const keyLen = 16
	r := 3
	v := 2
	if method == MethodAES128 {
		r, v = 4, 4
	}
	oEntry := computeOwnerEntry([]byte(ownerPwd), []byte(userPwd), keyLen, r)
	pVal := PermissionsValue(perms)
	fileKey := deriveKey([]byte(userPwd), oEntry, pVal, fileID, keyLen, r, true)
	uEntry := computeUserEntry(fileKey, fileID, r)

	enc := raw.Dict()
	enc.KV["Filter"] = raw.NameLiteral("Standard")
	enc.KV["V"] = raw.NumberInt(int64(v))
	enc.KV["R"] = raw.NumberInt(int64(r))
	enc.KV["Length"] = raw.NumberInt(128)
	enc.KV["O"] = raw.HexStr(oEntry)
	enc.KV["U"] = raw.HexStr(uEntry)
	enc.KV["P"] = raw.NumberInt(int64(pVal))
	if method == MethodAES128 {
		cf := raw.Dict()
		std := raw.Dict()
		std.KV["Type"] = raw.NameLiteral("CryptFilter")
		std.KV["CFM"] = raw.NameLiteral("AESV2")
		std.KV["AuthEvent"] = raw.NameLiteral("DocOpen")
		std.KV["Length"] = raw.NumberInt(keyLen)
		cf.KV["StdCF"] = std
		enc.KV["CF"] = cf
		enc.KV["StmF"] = raw.NameLiteral("StdCF")
		enc.KV["StrF"] = raw.NameLiteral("StdCF")
	}
	return enc, fileKey, nil
}

// HandlerBuilder assembles a handler from a parsed Encrypt dictionary.
type HandlerBuilder struct {
	encryptDict raw.Dictionary
	trailer     raw.Dictionary
	fileID      []byte
	deterIV     bool
}

func (b *HandlerBuilder) WithEncryptDict(d raw.Dictionary) *HandlerBuilder { b.encryptDict = d; return b }
func (b *HandlerBuilder) WithTrailer(d raw.Dictionary) *HandlerBuilder     { b.trailer = d; return b }
func (b *HandlerBuilder) WithFileID(id []byte) *HandlerBuilder             { b.fileID = id; return b }

// WithDeterministicIV derives AES initialization vectors from the object key
// and a write counter instead of the system RNG, so identical inputs produce
// identical files.
func (b *HandlerBuilder) WithDeterministicIV() *HandlerBuilder { b.deterIV = true; return b }

func (b *HandlerBuilder) Build() (Handler, error) {
	if b.encryptDict == nil {
		return noEncryptionHandler{}, nil
	}
	dict := b.encryptDict
	if name := nameVal(dict, "Filter"); name != "" && name != "Standard" {
		return nil, fmt.Errorf("unsupported encryption filter %s", name)
	}
	v := int(numberOr(dict, "V", 1))
	r := int(numberOr(dict, "R", 2))
	if v > 4 || r > 4 {
		return nil, fmt.Errorf("encryption V=%d R=%d not supported", v, r)
	}
	keyLenBits := int(numberOr(dict, "Length", 40))
	if keyLenBits%8 != 0 || keyLenBits < 40 || keyLenBits > 128 {
		return nil, fmt.Errorf("invalid key length %d", keyLenBits)
	}
	oEntry, _ := stringBytes(dict, "O")
	uEntry, _ := stringBytes(dict, "U")
	if len(oEntry) < 32 || len(uEntry) < 16 {
		return nil, errors.New("O or U entry missing")
	}
	pVal := numberOr(dict, "P", 0)
	id := b.fileID
	if len(id) == 0 && b.trailer != nil {
		id = trailerFileID(b.trailer)
	}
	encryptMeta := true
	if v, ok := boolVal(dict, "EncryptMetadata"); ok {
		encryptMeta = v
	}
	useAES := false
	if v >= 4 {
		useAES = hasAESFilter(dict)
	}
	return &standardHandler{
		v: v, r: r, keyLen: keyLenBits / 8,
		oEntry: oEntry, uEntry: uEntry,
		p: int32(pVal), fileID: id,
		encryptMeta: encryptMeta, useAES: useAES,
		deterIV: b.deterIV,
	}, nil
}

// NoopHandler passes data through unchanged, for unencrypted documents.
func NoopHandler() Handler { return noEncryptionHandler{} }

// NewWriteHandler wraps a freshly built Encrypt dictionary and file key for
// the writer. It is already authenticated and uses deterministic IVs.
func NewWriteHandler(dict *raw.DictObj, fileKey, fileID []byte) (Handler, error) {
	h, err := (&HandlerBuilder{}).WithEncryptDict(dict).WithFileID(fileID).WithDeterministicIV().Build()
	if err != nil {
		return nil, err
	}
	std, ok := h.(*standardHandler)
	if !ok {
		return nil, errors.New("write handler requires a standard Encrypt dictionary")
	}
	std.key = fileKey
	std.authed = true
	return std, nil
}

type standardHandler struct {
	key         []byte
	v, r        int
	keyLen      int
	oEntry      []byte
	uEntry      []byte
	p           int32
	fileID      []byte
	encryptMeta bool
	useAES      bool
	authed      bool
	deterIV     bool
	ivCounter   uint64
}

func (h *standardHandler) IsEncrypted() bool { return true }

// Authenticate tries the password first as the user password, then as the
// owner password. Either unlocks the same file key.
func (h *standardHandler) Authenticate(password string) error {
	key := deriveKey([]byte(password), h.oEntry, h.p, h.fileID, h.keyLen, h.r, h.encryptMeta)
	if checkUserKey(key, h.uEntry, h.fileID, h.r) {
		h.key = key
		h.authed = true
		return nil
	}
	// Owner path: recover the padded user password from O and retry.
	userPad := recoverUserPassword([]byte(password), h.oEntry[:32], h.keyLen, h.r)
	key = deriveKey(userPad, h.oEntry, h.p, h.fileID, h.keyLen, h.r, h.encryptMeta)
	if checkUserKey(key, h.uEntry, h.fileID, h.r) {
		h.key = key
		h.authed = true
		return nil
	}
	return errors.New("invalid password")
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	if err := h.requireAuth(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, h.useAES)
	if h.useAES {
		return aesDecrypt(key, data)
	}
	return rc4Apply(key, data), nil
}

func (h *standardHandler) Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	if err := h.requireAuth(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, h.useAES)
	if h.useAES {
		iv, err := h.nextIV(key)
		if err != nil {
			return nil, err
		}
		return aesEncrypt(key, iv, data)
	}
	return rc4Apply(key, data), nil
}

func (h *standardHandler) Permissions() Permissions {
	return Permissions{
		Print:             h.p&(1<<2) != 0,
		Modify:            h.p&(1<<3) != 0,
		Copy:              h.p&(1<<4) != 0,
		ModifyAnnotations: h.p&(1<<5) != 0,
		FillForms:         h.p&(1<<8) != 0,
		ExtractAccessible: h.p&(1<<9) != 0,
		Assemble:          h.p&(1<<10) != 0,
		PrintHighQuality:  h.p&(1<<11) != 0,
	}
}

func (h *standardHandler) requireAuth() error {
	if h.authed {
		return nil
	}
	// An empty user password is common; try it implicitly.
	return h.Authenticate("")
}

func (h *standardHandler) nextIV(objKey []byte) ([]byte, error) {
	if !h.deterIV {
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		return iv, nil
	}
	h.ivCounter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], h.ivCounter)
	sum := md5.Sum(append(append([]byte(nil), objKey...), ctr[:]...))
	return sum[:aes.BlockSize], nil
}

func aesEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	plain := append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, aes.BlockSize+len(plain))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], plain)
	return out, nil
}

func aesDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("aes ciphertext length invalid")
	}
	iv, ct := data[:aes.BlockSize], data[aes.BlockSize:]
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	pad := int(out[len(out)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool            { return false }
func (noEncryptionHandler) Authenticate(string) error    { return nil }
func (noEncryptionHandler) Permissions() Permissions     { return AllowAll() }
func (noEncryptionHandler) Decrypt(_, _ int, data []byte, _ DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Encrypt(_, _ int, data []byte, _ DataClass) ([]byte, error) {
	return data, nil
}

func hasAESFilter(dict raw.Dictionary) bool {
	cfObj, ok := dict.Get(raw.NameObj{Val: "CF"})
	if !ok {
		return false
	}
	cf, ok := cfObj.(*raw.DictObj)
	if !ok {
		return false
	}
	for _, entry := range cf.KV {
		if d, ok := entry.(*raw.DictObj); ok && d.Name("CFM") == "AESV2" {
			return true
		}
	}
	return false
}

func trailerFileID(trailer raw.Dictionary) []byte {
	v, ok := trailer.Get(raw.NameObj{Val: "ID"})
	if !ok {
		return nil
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok || arr.Len() == 0 {
		return nil
	}
	if s, ok := arr.Items[0].(raw.String); ok {
		return s.Value()
	}
	return nil
}

func nameVal(dict raw.Dictionary, key string) string {
	if v, ok := dict.Get(raw.NameObj{Val: key}); ok {
		if n, ok := v.(raw.NameObj); ok {
			return n.Val
		}
	}
	return ""
}

func numberOr(dict raw.Dictionary, key string, def int64) int64 {
	if v, ok := dict.Get(raw.NameObj{Val: key}); ok {
		if n, ok := v.(raw.NumberObj); ok {
			return n.Int()
		}
	}
	return def
}

func stringBytes(dict raw.Dictionary, key string) ([]byte, bool) {
	if v, ok := dict.Get(raw.NameObj{Val: key}); ok {
		if s, ok := v.(raw.String); ok {
			return s.Value(), true
		}
	}
	return nil, false
}

func boolVal(dict raw.Dictionary, key string) (bool, bool) {
	if v, ok := dict.Get(raw.NameObj{Val: key}); ok {
		if b, ok := v.(raw.BoolObj); ok {
			return b.V, true
		}
	}
	return false, false
}
