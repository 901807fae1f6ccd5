package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testPassword = "bundle-test-password"

func writeAudio(t *testing.T, dir string) string {
	t.Helper()
	audio := make([]byte, 4096)
	if _, err := rand.Read(audio); err != nil {
		t.Fatalf("generate audio bytes: %v", err)
	}
	path := filepath.Join(dir, "clip.ogg")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestPackUnpackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	audioPath := writeAudio(t, dir)
	original, err := os.ReadFile(audioPath)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}

	meta := Metadata{TaskID: "task-1", Model: "base"}
	data, err := Pack(meta, audioPath, testPassword)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	dest := t.TempDir()
	got, extractedPath, err := Unpack(data, testPassword, dest)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if got.TaskID != "task-1" || got.Model != "base" {
		t.Fatalf("unexpected metadata: %#v", got)
	}
	if got.Version != Version {
		t.Fatalf("expected version %q, got %q", Version, got.Version)
	}
	if got.Filename != "clip.ogg" {
		t.Fatalf("expected filename stamped from audio path, got %q", got.Filename)
	}

	extracted, err := os.ReadFile(extractedPath)
	if err != nil {
		t.Fatalf("read extracted audio: %v", err)
	}
	if !bytes.Equal(extracted, original) {
		t.Fatal("extracted audio differs from original")
	}
}

func TestUnpackWrongPassword(t *testing.T) {
	dir := t.TempDir()
	audioPath := writeAudio(t, dir)

	data, err := Pack(Metadata{TaskID: "task-2", Model: "base"}, audioPath, testPassword)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if _, _, err := Unpack(data, "a-different-password", t.TempDir()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestUnpackTamperedBundle(t *testing.T) {
	dir := t.TempDir()
	audioPath := writeAudio(t, dir)

	data, err := Pack(Metadata{TaskID: "task-3", Model: "base"}, audioPath, testPassword)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	// Flip a byte in each region: salt, nonce, and ciphertext body.
	for _, offset := range []int{3, saltSize + 2, saltSize + nonceSize + 10, len(data) - 1} {
		tampered := append([]byte(nil), data...)
		tampered[offset] ^= 0x01
		_, _, err := Unpack(tampered, testPassword, t.TempDir())
		if !errors.Is(err, ErrAuth) && !errors.Is(err, ErrFormat) {
			t.Fatalf("offset %d: expected ErrAuth or ErrFormat, got %v", offset, err)
		}
	}
}

func TestUnpackTruncatedPayload(t *testing.T) {
	if _, _, err := Unpack([]byte("short"), testPassword, t.TempDir()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for truncated payload, got %v", err)
	}
}

func TestPackMissingAudio(t *testing.T) {
	_, err := Pack(Metadata{TaskID: "task-4"}, filepath.Join(t.TempDir(), "absent.ogg"), testPassword)
	if !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode, got %v", err)
	}
}

// sealArchive encrypts an arbitrary zip payload the same way Pack does, so
// tests can craft malformed containers.
func sealArchive(t *testing.T, payload []byte, password string) []byte {
	t.Helper()
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		t.Fatalf("init cipher: %v", err)
	}
	out := append([]byte(nil), salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, payload, nil)
}

func buildArchive(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create member: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write member: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func TestUnpackMissingMetadata(t *testing.T) {
	payload := buildArchive(t, map[string][]byte{AudioMember: []byte("audio")})
	data := sealArchive(t, payload, testPassword)

	if _, _, err := Unpack(data, testPassword, t.TempDir()); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

func TestUnpackMalformedMetadata(t *testing.T) {
	payload := buildArchive(t, map[string][]byte{
		MetadataMember: []byte("{not json"),
		AudioMember:    []byte("audio"),
	})
	data := sealArchive(t, payload, testPassword)

	if _, _, err := Unpack(data, testPassword, t.TempDir()); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

func TestUnpackUnknownVersion(t *testing.T) {
	payload := buildArchive(t, map[string][]byte{
		MetadataMember: []byte(`{"task_id":"t","model":"base","version":"99"}`),
		AudioMember:    []byte("audio"),
	})
	data := sealArchive(t, payload, testPassword)

	if _, _, err := Unpack(data, testPassword, t.TempDir()); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema for unknown version, got %v", err)
	}
}

func TestUnpackMissingAudioMember(t *testing.T) {
	payload := buildArchive(t, map[string][]byte{
		MetadataMember: []byte(`{"task_id":"t","model":"base","version":"1"}`),
	})
	data := sealArchive(t, payload, testPassword)

	if _, _, err := Unpack(data, testPassword, t.TempDir()); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

func TestUnpackNotAnArchive(t *testing.T) {
	data := sealArchive(t, []byte("plain bytes, not a zip"), testPassword)
	if _, _, err := Unpack(data, testPassword, t.TempDir()); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}
