package media

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func encodeImage(t *testing.T, enc func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// mp4Header is a minimal ftyp box, enough for content sniffing.
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm',
	0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'i', 's', 'o', '2',
}

func TestClassifyImage(t *testing.T) {
	jpegData := encodeImage(t, func(b *bytes.Buffer, m image.Image) error {
		return jpeg.Encode(b, m, nil)
	})
	pngData := encodeImage(t, func(b *bytes.Buffer, m image.Image) error {
		return png.Encode(b, m)
	})

	tests := []struct {
		name string
		data []byte
	}{
		{name: "jpeg", data: jpegData},
		{name: "png", data: pngData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// deliberately misleading extension: content must win
			path := writeTemp(t, "upload.bin", tt.data)
			kind, err := Classify(path, "")
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if kind != KindImage {
				t.Errorf("Classify() = %v, want %v", kind, KindImage)
			}
		})
	}
}

func TestClassifyVideo(t *testing.T) {
	path := writeTemp(t, "clip.bin", mp4Header)
	kind, err := Classify(path, "")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if kind != KindVideo {
		t.Errorf("Classify() = %v, want %v", kind, KindVideo)
	}
}

func TestClassifyUnsupported(t *testing.T) {
	path := writeTemp(t, "notes.txt", []byte("just some text\n"))
	_, err := Classify(path, "")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Classify() error = %v, want ErrUnsupported", err)
	}
}

func TestClassifyHintOnlyForGenericBinary(t *testing.T) {
	// unrecognizable bytes sniff as application/octet-stream
	blob := writeTemp(t, "blob", bytes.Repeat([]byte{0x01, 0x00, 0x7f}, 64))

	kind, err := Classify(blob, "video/mp4")
	if err != nil {
		t.Fatalf("Classify() with hint error = %v", err)
	}
	if kind != KindVideo {
		t.Errorf("Classify() with hint = %v, want %v", kind, KindVideo)
	}

	if _, err := Classify(blob, "application/pdf"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("useless hint: error = %v, want ErrUnsupported", err)
	}

	// content beats a contradicting hint
	text := writeTemp(t, "notes.txt", []byte("plain text, not a video\n"))
	if _, err := Classify(text, "video/mp4"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("text with video hint: error = %v, want ErrUnsupported", err)
	}
}

func TestClassifyMissingFile(t *testing.T) {
	_, err := Classify(filepath.Join(t.TempDir(), "gone"), "")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if errors.Is(err, ErrUnsupported) {
		t.Error("missing file must not report as unsupported media")
	}
}

func TestExt(t *testing.T) {
	if got := Ext(KindImage); got != ".jpg" {
		t.Errorf("Ext(image) = %q, want .jpg", got)
	}
	if got := Ext(KindVideo); got != ".mp4" {
		t.Errorf("Ext(video) = %q, want .mp4", got)
	}
}
