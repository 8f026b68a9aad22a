package storage

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func buildTar(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestExtractTarWritesFiles(t *testing.T) {
	dest := t.TempDir()
	buf := buildTar(t, map[string]string{
		"etc/hostname": "myhost\n",
		"bin/sh":       "#!/bin/sh\n",
	})

	if err := extractTar(buf, dest); err != nil {
		t.Fatalf("extractTar: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "etc/hostname"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "myhost\n" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestExtractTarRejectsPathTraversal(t *testing.T) {
	dest := t.TempDir()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: 4}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	_, _ = tw.Write([]byte("evil"))
	tw.Close()

	if err := extractTar(&buf, dest); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}
