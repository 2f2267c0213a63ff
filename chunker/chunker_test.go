package chunker

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func createTestFile(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "parts.db")
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func rewriteManifest(t *testing.T, dir string, mutate func(*Manifest)) {
	t.Helper()
	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	mutate(m)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSplitAndAssemble(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 1024*25) // 25 KiB
	chunksDir := filepath.Join(tmpDir, "chunks")

	manifest, err := Split(srcPath, chunksDir, 1024*10, nil) // 10 KiB chunks
	if err != nil {
		t.Fatal(err)
	}

	if manifest.TotalChunks != 3 {
		t.Fatalf("chunks: got %d, want 3", manifest.TotalChunks)
	}
	if manifest.OriginalSize != 1024*25 {
		t.Fatalf("size: got %d", manifest.OriginalSize)
	}
	if manifest.OriginalName != "parts.db" {
		t.Fatalf("name: got %q", manifest.OriginalName)
	}

	outPath := filepath.Join(tmpDir, "reassembled.db")
	if err := Assemble(chunksDir, outPath, nil); err != nil {
		t.Fatal(err)
	}

	original, _ := os.ReadFile(srcPath)
	reassembled, _ := os.ReadFile(outPath)
	if !bytes.Equal(original, reassembled) {
		t.Fatal("reassembled file differs from original")
	}
}

func TestSplit_EmptyFile(t *testing.T) {
	// WHAT: An empty file splits to a zero-chunk manifest that still
	// assembles to an empty file.
	// WHY: The empty filter profile produces near-empty artifacts; the
	// splitter and joiner must round-trip any file size.
	tmpDir := t.TempDir()
	srcPath := filepath.Join(tmpDir, "empty.db")
	if err := os.WriteFile(srcPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	chunksDir := filepath.Join(tmpDir, "chunks")

	manifest, err := Split(srcPath, chunksDir, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.TotalChunks != 0 {
		t.Fatalf("chunks: got %d, want 0", manifest.TotalChunks)
	}

	outPath := filepath.Join(tmpDir, "out.db")
	if err := Assemble(chunksDir, outPath, nil); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("size: got %d, want 0", info.Size())
	}
}

func TestSplit_FileSmallerThanChunk(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 100)
	chunksDir := filepath.Join(tmpDir, "chunks")

	manifest, err := Split(srcPath, chunksDir, 1024, nil)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.TotalChunks != 1 {
		t.Fatalf("chunks: got %d, want 1", manifest.TotalChunks)
	}
	if manifest.Chunks[0].SizeBytes != 100 {
		t.Fatalf("chunk size: got %d, want 100", manifest.Chunks[0].SizeBytes)
	}
}

func TestSplit_ChunkSizeOne(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 5)
	chunksDir := filepath.Join(tmpDir, "chunks")

	manifest, err := Split(srcPath, chunksDir, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.TotalChunks != 5 {
		t.Fatalf("chunks: got %d, want 5", manifest.TotalChunks)
	}

	outPath := filepath.Join(tmpDir, "out.db")
	if err := Assemble(chunksDir, outPath, nil); err != nil {
		t.Fatal(err)
	}
	original, _ := os.ReadFile(srcPath)
	reassembled, _ := os.ReadFile(outPath)
	if !bytes.Equal(original, reassembled) {
		t.Fatal("reassembled file differs from original")
	}
}

func TestSplit_DefaultChunkSize(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 100)
	chunksDir := filepath.Join(tmpDir, "chunks")

	manifest, err := Split(srcPath, chunksDir, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.ChunkSize != DefaultChunkSize {
		t.Fatalf("chunk size: got %d, want %d", manifest.ChunkSize, DefaultChunkSize)
	}
}

func TestSplitReader(t *testing.T) {
	tmpDir := t.TempDir()
	data := make([]byte, 300)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	chunksDir := filepath.Join(tmpDir, "chunks")

	manifest, err := SplitReader(bytes.NewReader(data), "stream.db", chunksDir, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.TotalChunks != 3 {
		t.Fatalf("chunks: got %d, want 3", manifest.TotalChunks)
	}

	outPath := filepath.Join(tmpDir, "out.db")
	if err := Assemble(chunksDir, outPath, nil); err != nil {
		t.Fatal(err)
	}
	out, _ := os.ReadFile(outPath)
	if !bytes.Equal(data, out) {
		t.Fatal("reassembled stream differs from input")
	}
}

// failingReader serves n bytes then fails with a non-EOF error.
type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, fmt.Errorf("source went away")
	}
	n := len(p)
	if n > r.remaining {
		n = r.remaining
	}
	r.remaining -= n
	return n, nil
}

func TestSplitReader_ReadErrorFails(t *testing.T) {
	// WHAT: The source fails after 6 of its bytes, mid-stream.
	// WHY: A read failure must not finalize a manifest over the bytes read
	// so far: that manifest is self-consistent, so the truncated artifact
	// would assemble and verify cleanly downstream.
	chunksDir := filepath.Join(t.TempDir(), "chunks")

	manifest, err := SplitReader(&failingReader{remaining: 6}, "src.bin", chunksDir, 4, nil)
	if err == nil {
		t.Fatalf("want read error, got manifest: size=%d chunks=%d",
			manifest.OriginalSize, manifest.TotalChunks)
	}
	if _, statErr := os.Stat(filepath.Join(chunksDir, ManifestName)); !os.IsNotExist(statErr) {
		t.Fatal("manifest written despite read failure")
	}
}

func TestAssemble_MissingIndex(t *testing.T) {
	// WHAT: A manifest listing chunk 1 twice and chunk 0 never fails with a
	// ReconstructionError and leaves no output file.
	// WHY: Chunks are fetched as independent release assets; a partially
	// downloaded or corrupted set must never silently assemble.
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 300)
	chunksDir := filepath.Join(tmpDir, "chunks")
	if _, err := Split(srcPath, chunksDir, 100, nil); err != nil {
		t.Fatal(err)
	}

	rewriteManifest(t, chunksDir, func(m *Manifest) {
		m.Chunks[0].Index = 1 // duplicates 1, drops 0
	})

	outPath := filepath.Join(tmpDir, "out.db")
	err := Assemble(chunksDir, outPath, nil)
	var re *ReconstructionError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReconstructionError, got %v", err)
	}
	if _, statErr := os.Stat(outPath); !os.IsNotExist(statErr) {
		t.Fatal("output file should not exist after failed assembly")
	}
}

func TestAssemble_TruncatedChunkSet(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 300)
	chunksDir := filepath.Join(tmpDir, "chunks")
	if _, err := Split(srcPath, chunksDir, 100, nil); err != nil {
		t.Fatal(err)
	}

	rewriteManifest(t, chunksDir, func(m *Manifest) {
		m.Chunks = m.Chunks[:2] // declared total still 3
	})

	err := Assemble(chunksDir, filepath.Join(tmpDir, "out.db"), nil)
	var re *ReconstructionError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReconstructionError, got %v", err)
	}
}

func TestAssemble_CorruptChunk(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 300)
	chunksDir := filepath.Join(tmpDir, "chunks")
	if _, err := Split(srcPath, chunksDir, 100, nil); err != nil {
		t.Fatal(err)
	}

	// Flip a byte in chunk 1.
	chunkPath := filepath.Join(chunksDir, "chunk_00001.bin")
	data, _ := os.ReadFile(chunkPath)
	data[0] ^= 0xFF
	if err := os.WriteFile(chunkPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	err := Assemble(chunksDir, filepath.Join(tmpDir, "out.db"), nil)
	var re *ReconstructionError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReconstructionError, got %v", err)
	}
}

func TestAssemble_OutOfOrderManifest(t *testing.T) {
	// WHAT: Reassembly follows declared indexes, not manifest list order.
	// WHY: Chunks may be fetched and listed in any order.
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 300)
	chunksDir := filepath.Join(tmpDir, "chunks")
	if _, err := Split(srcPath, chunksDir, 100, nil); err != nil {
		t.Fatal(err)
	}

	rewriteManifest(t, chunksDir, func(m *Manifest) {
		m.Chunks[0], m.Chunks[2] = m.Chunks[2], m.Chunks[0]
	})

	outPath := filepath.Join(tmpDir, "out.db")
	if err := Assemble(chunksDir, outPath, nil); err != nil {
		t.Fatal(err)
	}
	original, _ := os.ReadFile(srcPath)
	reassembled, _ := os.ReadFile(outPath)
	if !bytes.Equal(original, reassembled) {
		t.Fatal("reassembled file differs from original")
	}
}

func TestVerify_OK(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 500)
	chunksDir := filepath.Join(tmpDir, "chunks")
	if _, err := Split(srcPath, chunksDir, 200, nil); err != nil {
		t.Fatal(err)
	}

	result, err := Verify(chunksDir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK() {
		t.Fatalf("verify errors: %v", result.Errors)
	}
	if result.TotalSize != 500 {
		t.Fatalf("total size: got %d", result.TotalSize)
	}
}

func TestVerify_MissingChunkFile(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 500)
	chunksDir := filepath.Join(tmpDir, "chunks")
	if _, err := Split(srcPath, chunksDir, 200, nil); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(chunksDir, "chunk_00001.bin"))

	result, err := Verify(chunksDir)
	if err != nil {
		t.Fatal(err)
	}
	if result.OK() {
		t.Fatal("verify should report missing chunk")
	}
}

func TestManifest_PathTraversalRejected(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := createTestFile(t, tmpDir, 100)
	chunksDir := filepath.Join(tmpDir, "chunks")
	if _, err := Split(srcPath, chunksDir, 100, nil); err != nil {
		t.Fatal(err)
	}

	rewriteManifest(t, chunksDir, func(m *Manifest) {
		m.Chunks[0].FileName = "../evil.bin"
	})

	err := Assemble(chunksDir, filepath.Join(tmpDir, "out.db"), nil)
	var re *ReconstructionError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReconstructionError, got %v", err)
	}
}
