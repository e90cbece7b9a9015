// Package validation performs content addressing and admission checks on
// incoming uploads. It streams input through a SHA-256 digest while spooling
// to a temporary file, so arbitrarily large uploads never need to be resident
// in memory, and cross-checks the declared file type against magic-byte
// detection.
package validation

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// DefaultDeniedExtensions blocks executable-like uploads. Extendable via
// Config; comparisons are case-insensitive.
var DefaultDeniedExtensions = []string{
	".exe", ".dll", ".so", ".dylib", ".bat", ".cmd", ".com", ".scr",
	".msi", ".ps1", ".sh", ".jar", ".vbs",
}

// DefaultDeniedSubstrings blocks filenames with traversal or null-byte
// tricks.
var DefaultDeniedSubstrings = []string{"..", "\x00", "//"}

// Config bounds what the validator accepts.
type Config struct {
	// MaxSizeBytes is the upload ceiling. Zero means 5 GiB.
	MaxSizeBytes int64

	// MaxNameLength bounds the original filename. Zero means 255.
	MaxNameLength int

	// DeniedExtensions and DeniedSubstrings override the defaults when
	// non-nil.
	DeniedExtensions []string
	DeniedSubstrings []string

	// SpoolDir receives temporary spool files. Zero means os.TempDir().
	SpoolDir string
}

// Result is the outcome of validating one upload.
type Result struct {
	Accepted     bool
	Reasons      []string
	Warnings     []string
	DetectedType string
	Hash         interfaces.ContentHash
	SizeBytes    int64

	// SpoolPath is the temporary file holding the validated bytes. The
	// caller owns it and must remove it when done. Empty when rejected.
	SpoolPath string
}

// Validator checks uploads against a Config. It holds no mutable state and
// is safe for concurrent use.
type Validator struct {
	cfg Config
	log *slog.Logger
}

// New creates a validator, filling zero Config fields with defaults.
func New(cfg Config, log *slog.Logger) *Validator {
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = 5 << 30
	}
	if cfg.MaxNameLength == 0 {
		cfg.MaxNameLength = 255
	}
	if cfg.DeniedExtensions == nil {
		cfg.DeniedExtensions = DefaultDeniedExtensions
	}
	if cfg.DeniedSubstrings == nil {
		cfg.DeniedSubstrings = DefaultDeniedSubstrings
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	return &Validator{cfg: cfg, log: log}
}

// Validate streams r through a SHA-256 digest while spooling to a temporary
// file. declaredName and declaredType come from the caller; sizeHint may be
// negative when unknown. A type mismatch between extension and sniffed magic
// bytes is a warning unless strictType is set.
//
// Validate mutates no shared state; its only side effect is the spool file
// handed back to the caller on acceptance.
func (v *Validator) Validate(r io.Reader, declaredName, declaredType string, sizeHint int64, strictType bool) (*Result, error) {
	res := &Result{}

	v.checkName(declaredName, res)
	if sizeHint > v.cfg.MaxSizeBytes {
		res.Reasons = append(res.Reasons, fmt.Sprintf("declared size %d exceeds limit %d", sizeHint, v.cfg.MaxSizeBytes))
	}
	if len(res.Reasons) > 0 {
		return res, nil
	}

	spool, err := os.CreateTemp(v.cfg.SpoolDir, "upload-*.spool")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	digest := sha256.New()
	// Cap the copy one byte past the ceiling so oversized streams are
	// detected without consuming the remainder.
	limited := io.LimitReader(r, v.cfg.MaxSizeBytes+1)
	written, err := io.Copy(io.MultiWriter(spool, digest), limited)
	if cerr := spool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(spool.Name())
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}

	if written == 0 {
		os.Remove(spool.Name())
		res.Reasons = append(res.Reasons, "empty input")
		return res, nil
	}
	if written > v.cfg.MaxSizeBytes {
		os.Remove(spool.Name())
		res.Reasons = append(res.Reasons, fmt.Sprintf("size exceeds limit %d", v.cfg.MaxSizeBytes))
		return res, nil
	}

	detected, err := mimetype.DetectFile(spool.Name())
	if err != nil {
		os.Remove(spool.Name())
		return nil, fmt.Errorf("type detection failed: %w", err)
	}
	res.DetectedType = detected.String()

	if mismatch := typeMismatch(declaredName, declaredType, detected); mismatch != "" {
		if strictType {
			os.Remove(spool.Name())
			res.Reasons = append(res.Reasons, mismatch)
			return res, nil
		}
		res.Warnings = append(res.Warnings, mismatch)
		v.log.Debug("Declared type does not match detected type",
			slog.String("name", declaredName),
			slog.String("declared", declaredType),
			slog.String("detected", res.DetectedType))
	}

	var hash [32]byte
	copy(hash[:], digest.Sum(nil))

	res.Accepted = true
	res.Hash = interfaces.ContentHash(hash)
	res.SizeBytes = written
	res.SpoolPath = spool.Name()
	return res, nil
}

func (v *Validator) checkName(name string, res *Result) {
	if name == "" {
		res.Reasons = append(res.Reasons, "missing filename")
		return
	}
	if len(name) > v.cfg.MaxNameLength {
		res.Reasons = append(res.Reasons, fmt.Sprintf("filename exceeds %d characters", v.cfg.MaxNameLength))
	}

	lower := strings.ToLower(name)
	ext := strings.ToLower(filepath.Ext(name))
	for _, denied := range v.cfg.DeniedExtensions {
		if ext == denied {
			res.Reasons = append(res.Reasons, fmt.Sprintf("extension %s is not allowed", ext))
			break
		}
	}
	for _, denied := range v.cfg.DeniedSubstrings {
		if strings.Contains(lower, denied) {
			res.Reasons = append(res.Reasons, "filename contains a disallowed sequence")
			break
		}
	}
}

// typeMismatch reports a human-readable mismatch description, or "" when the
// declared type and extension are consistent with the sniffed type. Unknown
// or generic detections never count as mismatches; magic-byte sniffing only
// covers well-known formats.
func typeMismatch(name, declaredType string, detected *mimetype.MIME) string {
	if detected.Is("application/octet-stream") {
		return ""
	}

	if declaredType != "" && declaredType != "application/octet-stream" {
		if base := strings.TrimSpace(strings.Split(declaredType, ";")[0]); base != "" && !detected.Is(base) {
			return fmt.Sprintf("declared type %s does not match detected type %s", base, detected.String())
		}
		return ""
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || detected.Extension() == "" {
		return ""
	}
	for m := detected; m != nil; m = m.Parent() {
		if strings.EqualFold(m.Extension(), ext) {
			return ""
		}
	}
	return fmt.Sprintf("extension %s does not match detected type %s", ext, detected.String())
}
