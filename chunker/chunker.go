// Package chunker splits large database artifacts into size-bounded chunks
// and reassembles them byte-identically.
//
// Release hosting caps individual asset sizes, so every artifact the
// pipeline publishes is split into chunk files plus a manifest.json that
// records per-chunk and whole-file SHA-256 hashes. Reassembly is driven by
// the manifest's declared indexes, never by filesystem or arrival order.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultChunkSize keeps chunks well below common release-asset limits.
const DefaultChunkSize int64 = 80 * 1000 * 1000 // 80 MB

// ManifestName is the manifest file written next to the chunks.
const ManifestName = "manifest.json"

// ChunkMeta describes a single chunk within a manifest.
type ChunkMeta struct {
	Index       int    `json:"index"`
	FileName    string `json:"file_name"`
	OffsetBytes int64  `json:"offset_bytes"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
}

// Manifest describes the original file and all its chunks.
type Manifest struct {
	OriginalName   string      `json:"original_name"`
	OriginalSize   int64       `json:"original_size"`
	OriginalSHA256 string      `json:"original_sha256"`
	ChunkSize      int64       `json:"chunk_size"`
	TotalChunks    int         `json:"total_chunks"`
	Chunks         []ChunkMeta `json:"chunks"`
	CreatedAt      string      `json:"created_at"`
}

// ReconstructionError reports why a chunk set cannot be reassembled.
type ReconstructionError struct {
	Artifact string
	Reason   string
	Cause    error
}

func (e *ReconstructionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("chunker: cannot reconstruct %s: %s: %v", e.Artifact, e.Reason, e.Cause)
	}
	return fmt.Sprintf("chunker: cannot reconstruct %s: %s", e.Artifact, e.Reason)
}

func (e *ReconstructionError) Unwrap() error { return e.Cause }

func reconstructErr(artifact, format string, args ...any) error {
	return &ReconstructionError{Artifact: artifact, Reason: fmt.Sprintf(format, args...)}
}

// ProgressFunc is called after each chunk is processed.
// index is zero-based, total is the expected chunk count, bytes is cumulative.
type ProgressFunc func(index, total int, bytes int64)

// Split reads srcPath and writes chunk files plus a manifest.json into
// outDir. chunkSize <= 0 defaults to DefaultChunkSize; any chunkSize >= 1 is
// valid. An empty source yields a zero-chunk manifest. progress may be nil.
func Split(srcPath, outDir string, chunkSize int64, progress ProgressFunc) (*Manifest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	m, err := splitFrom(src, filepath.Base(srcPath), outDir, chunkSize, progress)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SplitReader reads from r and writes chunk files plus a manifest.json into
// outDir, streaming without a temp file. originalName is recorded in the
// manifest; progress may be nil.
func SplitReader(r io.Reader, originalName, outDir string, chunkSize int64, progress ProgressFunc) (*Manifest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return splitFrom(r, originalName, outDir, chunkSize, progress)
}

func splitFrom(r io.Reader, originalName, outDir string, chunkSize int64, progress ProgressFunc) (*Manifest, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	fileHasher := sha256.New()
	tee := io.TeeReader(r, fileHasher)

	manifest := &Manifest{
		OriginalName: originalName,
		ChunkSize:    chunkSize,
		Chunks:       make([]ChunkMeta, 0),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	buf := make([]byte, chunkSize)
	var offset int64
	var idx int

	for {
		n, readErr := io.ReadFull(tee, buf)
		// io.ReadFull signals end-of-input as EOF (nothing read) or
		// ErrUnexpectedEOF (short final chunk). Anything else is a real
		// read failure: finalizing a manifest over the bytes read so far
		// would ship a truncated artifact that still verifies.
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read source at offset %d: %w", offset, readErr)
		}
		if n == 0 {
			break
		}
		data := buf[:n]

		sum := sha256.Sum256(data)
		fileName := fmt.Sprintf("chunk_%05d.bin", idx)
		if err := os.WriteFile(filepath.Join(outDir, fileName), data, 0o644); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", idx, err)
		}

		manifest.Chunks = append(manifest.Chunks, ChunkMeta{
			Index:       idx,
			FileName:    fileName,
			OffsetBytes: offset,
			SizeBytes:   int64(n),
			SHA256:      hex.EncodeToString(sum[:]),
		})

		offset += int64(n)
		idx++

		if progress != nil {
			progress(idx-1, 0, offset) // total unknown while streaming
		}

		if readErr != nil {
			break
		}
	}

	manifest.OriginalSize = offset
	manifest.OriginalSHA256 = hex.EncodeToString(fileHasher.Sum(nil))
	manifest.TotalChunks = idx

	if progress != nil && idx > 0 {
		progress(idx-1, idx, offset)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, ManifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return manifest, nil
}

// validate checks manifest internal consistency: every index 0..TotalChunks-1
// present exactly once, sizes summing to the original size, and no chunk
// filename escaping the chunks directory.
func (m *Manifest) validate(chunksDir string) error {
	name := m.OriginalName
	if len(m.Chunks) != m.TotalChunks {
		return reconstructErr(name, "manifest declares %d chunks but lists %d", m.TotalChunks, len(m.Chunks))
	}

	seen := make(map[int]bool, len(m.Chunks))
	var total int64
	for _, cm := range m.Chunks {
		if cm.Index < 0 || cm.Index >= m.TotalChunks {
			return reconstructErr(name, "chunk index %d outside declared range [0,%d)", cm.Index, m.TotalChunks)
		}
		if seen[cm.Index] {
			return reconstructErr(name, "duplicate chunk index %d", cm.Index)
		}
		seen[cm.Index] = true
		total += cm.SizeBytes
	}
	for i := 0; i < m.TotalChunks; i++ {
		if !seen[i] {
			return reconstructErr(name, "missing chunk index %d", i)
		}
	}
	if total != m.OriginalSize {
		return reconstructErr(name, "chunk sizes total %d, manifest declares %d", total, m.OriginalSize)
	}

	absDir, err := filepath.Abs(chunksDir)
	if err != nil {
		return fmt.Errorf("resolve chunks dir: %w", err)
	}
	for _, cm := range m.Chunks {
		if strings.Contains(cm.FileName, "..") || filepath.IsAbs(cm.FileName) {
			return reconstructErr(name, "invalid chunk filename %q: path traversal", cm.FileName)
		}
		absChunk, err := filepath.Abs(filepath.Join(chunksDir, cm.FileName))
		if err != nil {
			return fmt.Errorf("resolve chunk path %q: %w", cm.FileName, err)
		}
		if !strings.HasPrefix(absChunk, absDir+string(filepath.Separator)) {
			return reconstructErr(name, "chunk %q resolves outside chunks directory", cm.FileName)
		}
	}
	return nil
}

// Assemble reads chunks from chunksDir using its manifest.json, verifies
// every chunk hash and size, writes the reassembled file to outPath, and
// validates the final SHA-256 against the manifest. On any failure no output
// file is left behind. progress may be nil.
func Assemble(chunksDir, outPath string, progress ProgressFunc) error {
	manifest, err := LoadManifest(chunksDir)
	if err != nil {
		return err
	}
	if err := manifest.validate(chunksDir); err != nil {
		return err
	}

	// Write to a temp file in the destination directory and rename on
	// success so a failed assembly never leaves a partial artifact.
	tmp, err := os.CreateTemp(filepath.Dir(outPath), filepath.Base(outPath)+".tmp*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	fileHasher := sha256.New()
	writer := io.MultiWriter(tmp, fileHasher)

	sorted := make([]ChunkMeta, len(manifest.Chunks))
	copy(sorted, manifest.Chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var written int64
	for _, cm := range sorted {
		data, err := os.ReadFile(filepath.Join(chunksDir, cm.FileName))
		if err != nil {
			return &ReconstructionError{Artifact: manifest.OriginalName,
				Reason: fmt.Sprintf("read chunk %d", cm.Index), Cause: err}
		}
		if int64(len(data)) != cm.SizeBytes {
			return reconstructErr(manifest.OriginalName,
				"chunk %d size mismatch: expected %d, got %d", cm.Index, cm.SizeBytes, len(data))
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != cm.SHA256 {
			return reconstructErr(manifest.OriginalName, "chunk %d hash mismatch", cm.Index)
		}

		if _, err := writer.Write(data); err != nil {
			return fmt.Errorf("write chunk %d: %w", cm.Index, err)
		}
		written += int64(len(data))

		if progress != nil {
			progress(cm.Index, manifest.TotalChunks, written)
		}
	}

	if hex.EncodeToString(fileHasher.Sum(nil)) != manifest.OriginalSHA256 {
		return reconstructErr(manifest.OriginalName, "assembled file hash mismatch")
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}
	return nil
}

// VerifyResult holds the outcome of a Verify call.
type VerifyResult struct {
	TotalChunks int
	TotalSize   int64
	Errors      []string
}

// OK returns true when no errors were found.
func (v *VerifyResult) OK() bool { return len(v.Errors) == 0 }

// Verify checks every chunk in chunksDir against its manifest without
// assembling.
func Verify(chunksDir string) (*VerifyResult, error) {
	manifest, err := LoadManifest(chunksDir)
	if err != nil {
		return nil, err
	}
	if err := manifest.validate(chunksDir); err != nil {
		return nil, err
	}

	result := &VerifyResult{TotalChunks: manifest.TotalChunks}
	var totalSize int64

	for _, cm := range manifest.Chunks {
		data, err := os.ReadFile(filepath.Join(chunksDir, cm.FileName))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("MISSING chunk %d (%s)", cm.Index, cm.FileName))
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != cm.SHA256 {
			result.Errors = append(result.Errors, fmt.Sprintf("CORRUPT chunk %d (%s)", cm.Index, cm.FileName))
			continue
		}
		if int64(len(data)) != cm.SizeBytes {
			result.Errors = append(result.Errors, fmt.Sprintf("BADSIZE chunk %d: expected %d, got %d", cm.Index, cm.SizeBytes, len(data)))
			continue
		}
		totalSize += int64(len(data))
	}

	result.TotalSize = totalSize
	if totalSize != manifest.OriginalSize {
		result.Errors = append(result.Errors, fmt.Sprintf("SIZE MISMATCH: chunks total %d, expected %d", totalSize, manifest.OriginalSize))
	}

	return result, nil
}

// LoadManifest reads and parses manifest.json from a chunks directory.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestName, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return &m, nil
}

// FormatBytes returns a human-readable size string.
func FormatBytes(b int64) string {
	const (
		KiB = 1024
		MiB = 1024 * KiB
		GiB = 1024 * MiB
	)

	switch {
	case b >= GiB:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
