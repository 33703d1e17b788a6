package seedsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
)

// uploadFile uploads local to remotePath over an established SFTP client,
// writing to a randomly-named sibling temp file and renaming into place so
// a reader never observes a partially-written helper binary. This is the
// implementation behind Transport.Copy.
func uploadFile(c *sftp.Client, local, remotePath string) (err error) {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %q: %w", local, err)
	}
	defer f.Close()

	dir := path.Dir(remotePath)
	if dir != "" && dir != "." {
		if err := c.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %q: %w", dir, err)
		}
	}

	tempname := fmt.Sprintf("%s.%s.tmp", remotePath, randHex(16))
	temp, err := c.Create(tempname)
	if err != nil {
		return fmt.Errorf("create %q: %w", tempname, err)
	}
	defer func() {
		if err != nil {
			temp.Close()
			c.Remove(tempname)
		}
	}()

	if err = c.Chmod(tempname, 0o755); err != nil {
		return fmt.Errorf("chmod %q: %w", tempname, err)
	}
	if _, err = io.Copy(temp, f); err != nil {
		return fmt.Errorf("copy to %q: %w", tempname, err)
	}
	if err = temp.Close(); err != nil {
		return fmt.Errorf("close %q: %w", tempname, err)
	}
	if err = c.PosixRename(tempname, remotePath); err != nil {
		return fmt.Errorf("rename %q to %q: %w", tempname, remotePath, err)
	}
	return nil
}

// probeFile succeeds iff remotePath exists and is readable over an
// established SFTP client.
func probeFile(ctx context.Context, c *sftp.Client, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := c.Stat(remotePath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	f, err := c.Open(remotePath)
	if err != nil {
		return err
	}
	return f.Close()
}

// remoteDigest runs md5sum over remotePath on the shell transport and
// returns the lowercase hex digest, used by the helper installer to skip a
// redundant upload.
func remoteDigest(ctx context.Context, t *Transport, remotePath string) (string, error) {
	out, err := t.Shell(ctx, fmt.Sprintf("md5sum %s | awk '{print $1}' || echo", escapeRemotePathSingle(remotePath)))
	if err != nil {
		return "", err
	}
	digest := strings.TrimSpace(string(out))
	if i := strings.IndexByte(digest, '\n'); i >= 0 {
		digest = digest[:i]
	}
	return digest, nil
}

func sftpIsAlive(c *sftp.Client) bool {
	_, err := c.Getwd()
	if err != nil {
		slog.Debug("sftp client no longer alive", "error", err)
	}
	return err == nil
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
