// Package uploads persists a job's input images into the directory the
// compute engine reads from, under a per-job subdirectory.
package uploads

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/store"
)

// File is one decoded multipart upload.
type File struct {
	FieldName   string
	Filename    string
	ContentType string
	Data        []byte
}

// SniffImageExt detects the image format from magic bytes and returns its
// canonical extension, or "" for anything that is not png/jpg/webp. Client
// filenames and content types are not trusted.
func SniffImageExt(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}):
		return ".png"
	case len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff:
		return ".jpg"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return ".webp"
	default:
		return ""
	}
}

// SHA256Hex hashes upload content for the audit record.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var tokenUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._:@-]`)

// SanitizeToken makes a client-supplied identifier safe for keys, logs and
// filenames.
func SanitizeToken(v string) string {
	s := tokenUnsafe.ReplaceAllString(v, "_")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// SafeRelPath joins path parts into a forward-slash relative path, rejecting
// traversal. The engine expects forward slashes in graph JSON regardless of
// host OS.
func SafeRelPath(parts ...string) (string, error) {
	joined := path.Join(parts...)
	norm := path.Clean(joined)
	if norm == ".." || path.IsAbs(norm) || norm == "" ||
		norm == "." || len(norm) >= 3 && norm[:3] == "../" {
		return "", fmt.Errorf("invalid relative path: %s", joined)
	}
	return norm, nil
}

// SavedInputs names the persisted files, relative to the engine input dir.
type SavedInputs struct {
	RefRel  string
	SrcRels []string
}

// Saver writes job inputs to disk and records them in the store.
type Saver struct {
	inputDir string
	subdir   string
	store    store.Store
	logger   *logging.Logger
}

func NewSaver(inputDir, subdir string, st store.Store, logger *logging.Logger) *Saver {
	return &Saver{inputDir: inputDir, subdir: subdir, store: st, logger: logger}
}

// Save persists the reference and source images under a job-scoped directory
// and upserts one file row per image. File naming is positional (ref,
// src_0, src_1, ...) so the compiler's whitelist is exact.
func (s *Saver) Save(job *models.Job, ref File, sources []File) (*SavedInputs, error) {
	runDirRel, err := SafeRelPath(s.subdir, job.ID)
	if err != nil {
		return nil, err
	}
	runDirAbs := filepath.Join(s.inputDir, filepath.FromSlash(runDirRel))
	if err := os.MkdirAll(runDirAbs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create input dir: %w", err)
	}

	refExt := SniffImageExt(ref.Data)
	if refExt == "" {
		return nil, fmt.Errorf("unsupported ref image format (supported: png/jpg/webp). filename=%s", ref.Filename)
	}
	refRel, err := s.writeOne(job.ID, runDirRel, runDirAbs, "ref"+refExt, models.FileRoleRef, 0, ref)
	if err != nil {
		return nil, err
	}

	srcRels := make([]string, 0, len(sources))
	for i, src := range sources {
		ext := SniffImageExt(src.Data)
		if ext == "" {
			return nil, fmt.Errorf("unsupported source image format (supported: png/jpg/webp). filename=%s", src.Filename)
		}
		rel, err := s.writeOne(job.ID, runDirRel, runDirAbs, fmt.Sprintf("src_%d%s", i, ext), models.FileRoleSrc, i, src)
		if err != nil {
			return nil, err
		}
		srcRels = append(srcRels, rel)
	}

	s.writeManifest(job, runDirAbs, refRel, srcRels, ref, sources)

	return &SavedInputs{RefRel: refRel, SrcRels: srcRels}, nil
}

func (s *Saver) writeOne(jobID, runDirRel, runDirAbs, name string, role models.FileRole, idx int, f File) (string, error) {
	rel, err := SafeRelPath(runDirRel, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(runDirAbs, name), f.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write input file %s: %w", name, err)
	}
	if err := s.store.UpsertJobFile(&models.JobFile{
		JobID:    jobID,
		Role:     role,
		Idx:      idx,
		RelPath:  rel,
		OrigName: f.Filename,
		Bytes:    int64(len(f.Data)),
		SHA256:   SHA256Hex(f.Data),
	}); err != nil {
		return "", fmt.Errorf("failed to record input file %s: %w", name, err)
	}
	return rel, nil
}

// writeManifest leaves a human-readable record next to the inputs for
// debugging and reproduction. Best effort.
func (s *Saver) writeManifest(job *models.Job, runDirAbs, refRel string, srcRels []string, ref File, sources []File) {
	type fileEntry struct {
		Idx   int    `json:"idx,omitempty"`
		Rel   string `json:"rel"`
		Orig  string `json:"orig"`
		Bytes int    `json:"bytes"`
	}
	srcEntries := make([]fileEntry, len(sources))
	for i, src := range sources {
		srcEntries[i] = fileEntry{Idx: i, Rel: srcRels[i], Orig: src.Filename, Bytes: len(src.Data)}
	}
	manifest := map[string]interface{}{
		"job_id":     job.ID,
		"user_id":    job.UserID,
		"created_at": time.Now().UnixMilli(),
		"ref":        fileEntry{Rel: refRel, Orig: ref.Filename, Bytes: len(ref.Data)},
		"sources":    srcEntries,
		"params":     job.Params,
		"debug":      job.Debug,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(runDirAbs, "manifest.json"), data, 0o644)
	}
	if err != nil {
		s.logger.Warn("failed to write upload manifest", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
	}
}
