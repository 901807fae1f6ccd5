package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Version pins the container layout and KDF parameters. Readers reject
// bundles whose metadata carries an unknown version.
const Version = "1"

// Fixed member names inside the archive. Both are part of the wire contract.
const (
	MetadataMember = "metadata.json"
	AudioMember    = "audio.ogg"
)

const (
	saltSize      = 16
	nonceSize     = 12
	keySize       = 32
	kdfIterations = 100_000
)

// Failure categories surfaced by Unpack. Callers classify with errors.Is.
var (
	ErrAuth   = errors.New("bundle: authentication failed")
	ErrSchema = errors.New("bundle: metadata missing or malformed")
	ErrFormat = errors.New("bundle: container malformed")
	ErrEncode = errors.New("bundle: encoding failed")
)

// Metadata is the record stored alongside the audio inside a bundle.
type Metadata struct {
	TaskID   string `json:"task_id"`
	Model    string `json:"model"`
	Filename string `json:"filename,omitempty"`
	Version  string `json:"version"`
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
}

// Pack builds an encrypted archive holding the metadata record and the audio
// file. The metadata version is stamped to the current format version.
func Pack(meta Metadata, audioPath, password string) ([]byte, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio %s: %v", ErrEncode, audioPath, err)
	}

	meta.Version = Version
	if meta.Filename == "" {
		meta.Filename = filepath.Base(audioPath)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal metadata: %v", ErrEncode, err)
	}

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for _, member := range []struct {
		name string
		data []byte
	}{
		{MetadataMember, metaJSON},
		{AudioMember, audio},
	} {
		w, err := zw.Create(member.name)
		if err != nil {
			return nil, fmt.Errorf("%w: create member %s: %v", ErrEncode, member.name, err)
		}
		if _, err := w.Write(member.data); err != nil {
			return nil, fmt.Errorf("%w: write member %s: %v", ErrEncode, member.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finalize archive: %v", ErrEncode, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", ErrEncode, err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrEncode, err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", ErrEncode, err)
	}

	out := make([]byte, 0, saltSize+nonceSize+archive.Len()+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, archive.Bytes(), nil)
	return out, nil
}

// Unpack decrypts a bundle and extracts its audio member into destDir.
// It returns the embedded metadata and the extracted audio path.
func Unpack(data []byte, password, destDir string) (Metadata, string, error) {
	var meta Metadata

	if len(data) < saltSize+nonceSize+1 {
		return meta, "", fmt.Errorf("%w: truncated payload (%d bytes)", ErrAuth, len(data))
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return meta, "", fmt.Errorf("%w: init cipher: %v", ErrAuth, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return meta, "", fmt.Errorf("%w: %v", ErrAuth, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(plaintext), int64(len(plaintext)))
	if err != nil {
		return meta, "", fmt.Errorf("%w: open archive: %v", ErrFormat, err)
	}

	metaFile := findMember(zr, MetadataMember)
	if metaFile == nil {
		return meta, "", fmt.Errorf("%w: %s member missing", ErrSchema, MetadataMember)
	}
	if err := readJSONMember(metaFile, &meta); err != nil {
		return meta, "", fmt.Errorf("%w: parse %s: %v", ErrSchema, MetadataMember, err)
	}
	if strings.TrimSpace(meta.TaskID) == "" {
		return meta, "", fmt.Errorf("%w: task_id missing", ErrSchema)
	}
	if meta.Version != Version {
		return meta, "", fmt.Errorf("%w: unsupported version %q", ErrSchema, meta.Version)
	}

	audioFile := findMember(zr, AudioMember)
	if audioFile == nil {
		return meta, "", fmt.Errorf("%w: %s member missing", ErrFormat, AudioMember)
	}
	audioPath := filepath.Join(destDir, AudioMember)
	if err := extractMember(audioFile, audioPath); err != nil {
		return meta, "", fmt.Errorf("%w: extract %s: %v", ErrFormat, AudioMember, err)
	}

	return meta, audioPath, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func findMember(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readJSONMember(f *zip.File, target any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(target)
}

func extractMember(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
