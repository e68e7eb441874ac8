package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/gzip"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

// EncryptedSuffix marks an age-encrypted outer archive.
const EncryptedSuffix = types.EncryptedSuffix

// IsEncrypted reports whether an archive path carries the encrypted suffix.
func IsEncrypted(path string) bool {
	return strings.HasSuffix(path, EncryptedSuffix)
}

// createOuterArchive bundles every file in workspace into one outer tar.gz.
// Entries are added in lexical order so the component list of an archive is
// stable across runs.
func createOuterArchive(ctx context.Context, workspace, outPath string) error {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create outer archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			tw.Close()
			gz.Close()
			out.Close()
			os.Remove(outPath)
			return err
		}
		if entry.IsDir() {
			continue
		}
		if err := addToTar(ctx, tw, filepath.Join(workspace, entry.Name()), entry.Name()); err != nil {
			tw.Close()
			gz.Close()
			out.Close()
			os.Remove(outPath)
			return fmt.Errorf("bundle %s: %w", entry.Name(), err)
		}
	}

	if err := tw.Close(); err != nil {
		gz.Close()
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	return out.Close()
}

// listArchiveEntries returns the entry names of a gzip+tar stream without
// extracting it. A structural error is returned unchanged so callers can
// classify corruption.
func listArchiveEntries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip stream: %w", err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("not a valid tar stream: %w", err)
		}
		names = append(names, header.Name)
	}
	return names, nil
}

// ExtractArchive extracts a gzip+tar stream into destDir, refusing entries
// that would escape it.
func ExtractArchive(ctx context.Context, path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a valid gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("not a valid tar stream: %w", err)
		}

		name := filepath.Clean(header.Name)
		if name == "." || name == "" {
			continue
		}
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes destination", header.Name)
		}
		target := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// encryptFile streams src through age into src+".age" and removes the
// plaintext on success.
func encryptFile(src string, recipients []age.Recipient) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("encryption enabled but no AGE recipients configured")
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := src + EncryptedSuffix
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}

	w, err := age.Encrypt(out, recipients...)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("initialize age encryption: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("encrypt archive: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}

	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("remove plaintext archive: %w", err)
	}
	return dst, nil
}

// DecryptToScratch decrypts an age-encrypted outer archive next to scratchDir
// and returns the plaintext path. identityFile holds the age identities.
func DecryptToScratch(path, identityFile, scratchDir string) (string, error) {
	idData, err := os.ReadFile(identityFile)
	if err != nil {
		return "", fmt.Errorf("read age identity file: %w", err)
	}
	identities, err := age.ParseIdentities(strings.NewReader(string(idData)))
	if err != nil {
		return "", fmt.Errorf("parse age identities: %w", err)
	}

	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	r, err := age.Decrypt(in, identities...)
	if err != nil {
		return "", fmt.Errorf("decrypt archive: %w", err)
	}

	plainPath := filepath.Join(scratchDir, strings.TrimSuffix(filepath.Base(path), EncryptedSuffix))
	out, err := os.OpenFile(plainPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(plainPath)
		return "", fmt.Errorf("decrypt archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(plainPath)
		return "", err
	}
	return plainPath, nil
}
