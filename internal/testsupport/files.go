package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// jpegHeader is the minimal SOI + APP0 prefix tools accept as a JPEG.
var jpegHeader = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

// WritePCMChunk writes size bytes of a deterministic sawtooth pattern, a
// stand-in for one ingest chunk of raw audio. A size <= 0 writes one byte.
func WritePCMChunk(t testing.TB, path string, size int64) {
	t.Helper()
	if size <= 0 {
		size = 1
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	writeFile(t, path, payload)
}

// WritePhotoFile writes a JPEG-prefixed stub image for photo upload and
// stylization tests.
func WritePhotoFile(t testing.TB, path string) {
	t.Helper()
	payload := append(append([]byte(nil), jpegHeader...), []byte("memoir-test-photo")...)
	writeFile(t, path, payload)
}

func writeFile(t testing.TB, path string, payload []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
