package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// ============================================================
// ARCHIVES (7-Zip encryption + plain zip wrapper)
// ============================================================

const (
	passwordLength   = 16
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// generatePassword draws passwordLength characters from passwordAlphabet using
// crypto/rand. Every report gets its own call.
func generatePassword() (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, passwordLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

// Archiver builds the two containers sent to a patient.
type Archiver interface {
	// Encrypt writes src into a password protected archive at dst.
	Encrypt(ctx context.Context, src, dst, password string) error
	// Wrap puts src into an unencrypted zip at dst.
	Wrap(src, dst string) error
}

// SevenZip shells out to the 7z binary for AES-256 with encrypted headers.
type SevenZip struct {
	Path string
}

func (s SevenZip) Encrypt(ctx context.Context, src, dst, password string) error {
	bin := s.Path
	if bin == "" {
		bin = "7z"
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	// A stale archive would be updated in place rather than replaced.
	_ = os.Remove(absDst)

	cmd := exec.CommandContext(ctx, bin, "a", "-t7z", absDst, filepath.Base(src), "-p"+password, "-mhe=on", "-y")
	cmd.Dir = filepath.Dir(src)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("7z failed: %w: %s", err, tail(out, 400))
	}
	return nil
}

func (SevenZip) Wrap(src, dst string) error {
	return zipFile(src, dst)
}

func zipFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(src)
	// The payload is already compressed.
	hdr.Method = zip.Store
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("zip %s: %w", hdr.Name, err)
	}
	return zw.Close()
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
