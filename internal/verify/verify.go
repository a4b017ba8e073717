// Package verify checks the integrity of downloaded update packages.
package verify

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"otaupdater/internal/logging"
)

const (
	footerSize    = 6
	eocdSize      = 22
	eocdSignature = 0x06054b50
)

var (
	// ErrUnsigned means the archive comment carries no OTA signature footer.
	ErrUnsigned = errors.New("package is not signed")
	// ErrCorrupt means the archive structure or an entry checksum is invalid.
	ErrCorrupt = errors.New("package is corrupt")
)

// PackageVerifier validates update archives. When RequireSignature is set the
// signed-OTA footer must be present and consistent with the archive comment.
type PackageVerifier struct {
	RequireSignature bool
}

// New creates a verifier.
func New(requireSignature bool) *PackageVerifier {
	return &PackageVerifier{RequireSignature: requireSignature}
}

// Verify reads the whole archive at path. It returns nil when the package can
// be handed to an installer.
func (v *PackageVerifier) Verify(ctx context.Context, path string) error {
	if v.RequireSignature {
		if err := checkFooter(path); err != nil {
			return err
		}
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer r.Close()

	if len(r.File) == 0 {
		return fmt.Errorf("%w: archive is empty", ErrCorrupt)
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkEntry(f); err != nil {
			return fmt.Errorf("%w: entry %s: %v", ErrCorrupt, f.Name, err)
		}
	}

	logging.Debug("Verified %d entries of %s", len(r.File), path)
	return nil
}

func checkEntry(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	// archive/zip validates the CRC-32 once the entry is read to EOF.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// checkFooter validates the footer written by the OTA signing tool: the last
// six bytes of the archive comment hold the signature start, 0xffff and the
// comment size, all little endian.
func checkFooter(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat package: %w", err)
	}
	size := info.Size()
	if size < eocdSize {
		return fmt.Errorf("%w: file too small", ErrCorrupt)
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-footerSize); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}
	if footer[2] != 0xff || footer[3] != 0xff {
		return ErrUnsigned
	}

	signatureStart := int64(binary.LittleEndian.Uint16(footer[0:2]))
	commentSize := int64(binary.LittleEndian.Uint16(footer[4:6]))
	if signatureStart > commentSize || signatureStart < footerSize {
		return fmt.Errorf("%w: signature start %d outside comment of %d bytes", ErrUnsigned, signatureStart, commentSize)
	}

	eocdOffset := size - commentSize - eocdSize
	if eocdOffset < 0 {
		return fmt.Errorf("%w: comment larger than file", ErrCorrupt)
	}
	eocd := make([]byte, eocdSize)
	if _, err := f.ReadAt(eocd, eocdOffset); err != nil {
		return fmt.Errorf("failed to read end of central directory: %w", err)
	}
	if binary.LittleEndian.Uint32(eocd[0:4]) != eocdSignature {
		return fmt.Errorf("%w: no end of central directory before signature", ErrCorrupt)
	}
	if int64(binary.LittleEndian.Uint16(eocd[20:22])) != commentSize {
		return fmt.Errorf("%w: comment length mismatch", ErrCorrupt)
	}
	return nil
}
