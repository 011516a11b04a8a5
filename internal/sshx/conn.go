package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gamesync/fastdl/internal/utils"
)

// Runner executes shell commands on a remote host. It is the seam the
// remote change detector and archive builders are tested through.
type Runner interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) (exit int, stdout, stderr string, err error)
}

// Conn wraps an established SSH client with command execution and SFTP
// transfer. One session is opened per command.
type Conn struct {
	client *ssh.Client
	remote string
}

const aliveProbeTimeout = 5 * time.Second

// alive probes the connection with a trivial command.
func (c *Conn) alive() bool {
	exit, _, _, err := c.Run(context.Background(), "echo alive", aliveProbeTimeout)
	return err == nil && exit == 0
}

// Run executes cmd in a fresh session, enforcing timeout and context
// cancellation. A timeout or cancellation closes the session and
// returns the context error; a nonzero remote exit status is returned
// in exit with err == nil.
func (c *Conn) Run(ctx context.Context, cmd string, timeout time.Duration) (int, string, string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := session.Start(cmd); err != nil {
		return -1, "", "", fmt.Errorf("ssh start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return -1, stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
		}
		if err != nil {
			return -1, stdout.String(), stderr.String(), err
		}
		return 0, stdout.String(), stderr.String(), nil
	}
}

// ProgressFunc receives transferred and total byte counts during a
// download. total is 0 when unknown.
type ProgressFunc func(transferred, total int64)

// Download copies remotePath to localPath over SFTP, reporting progress.
func (c *Conn) Download(ctx context.Context, remotePath, localPath string, progress ProgressFunc) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer client.Close()

	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("sftp open %s: %w", remotePath, err)
	}
	defer src.Close()

	var total int64
	if info, err := src.Stat(); err == nil {
		total = info.Size()
	}

	if err := utils.EnsureParent(localPath); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	var transferred int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			transferred += int64(n)
			if progress != nil {
				progress(transferred, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("sftp read %s: %w", remotePath, readErr)
		}
	}

	return nil
}

// Close tears down the underlying SSH client.
func (c *Conn) Close() error {
	return c.client.Close()
}

// Remote returns the user@host:port identity of the connection.
func (c *Conn) Remote() string {
	return c.remote
}
