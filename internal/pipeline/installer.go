// Package pipeline post-processes completed artifacts: tarballs are unpacked
// into the install directory, anything else is installed as a plain file.
package pipeline

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/9z91/feather/internal/logctx"
	"github.com/9z91/feather/internal/progress"
	"github.com/9z91/feather/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// progressInterval is how many compressed bytes go by between unpack
	// progress reports.
	progressInterval = 256 * 1024
)

// Installer implements transfer.Pipeline.
type Installer struct {
	installDir string
}

// NewInstaller creates a pipeline that installs artifacts under installDir.
func NewInstaller(installDir string) *Installer {
	return &Installer{installDir: installDir}
}

// Handle installs the artifact for one record. The install target is
// <installDir>/<record id>; an existing target is replaced (last writer
// wins). Unpack progress is reported through the callback as the fraction of
// compressed bytes consumed.
func (i *Installer) Handle(ctx context.Context, artifactPath string, snap transfer.Snapshot, progressFn func(float64)) error {
	logger := logctx.LoggerFromContext(ctx).With("record_id", snap.ID)

	target := filepath.Join(i.installDir, snap.ID)

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to clear install target: %w", err)
	}

	if err := os.MkdirAll(target, dirPerm); err != nil {
		return fmt.Errorf("failed to create install target: %w", err)
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	logger.Info("installing artifact",
		"artifact", artifactPath,
		"size", humanize.Bytes(uint64(info.Size())),
		"target", target,
	)

	name := strings.ToLower(snap.DisplayName)

	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		err = i.extractTarball(ctx, artifactPath, info.Size(), target, progressFn)
	default:
		err = i.installPlain(artifactPath, filepath.Join(target, snap.DisplayName), info.Size(), progressFn)
	}

	if err != nil {
		return err
	}

	progressFn(1)

	logger.Info("artifact installed", "target", target)

	return nil
}

// extractTarball unpacks a gzip-compressed tarball. Progress tracks the
// compressed stream, which is the only size known up front.
func (i *Installer) extractTarball(ctx context.Context, artifactPath string, size int64, target string, progressFn func(float64)) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	pr := progress.NewReader(f, size, progressInterval, func(done, total int64) {
		if total > 0 {
			progressFn(float64(done) / float64(total))
		}
	})

	gz, err := gzip.NewReader(pr)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		dest, err := sanitizePath(target, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, dirPerm); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(dest, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks and special files are not installed.
			continue
		}
	}
}

func (i *Installer) installPlain(src, dest string, size int64, progressFn func(float64)) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	pr := progress.NewReader(in, size, progressInterval, func(done, total int64) {
		if total > 0 {
			progressFn(float64(done) / float64(total))
		}
	})

	return writeEntry(dest, pr, filePerm)
}

func writeEntry(dest string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// sanitizePath rejects entries that would escape the install target.
func sanitizePath(target, name string) (string, error) {
	dest := filepath.Join(target, filepath.Clean("/"+name))
	if !strings.HasPrefix(dest, filepath.Clean(target)+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar entry escapes install target: %s", name)
	}

	return dest, nil
}
