package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gamesync/fastdl/internal/utils"
)

const rsyncTimeout = 1800 * time.Second

// RsyncAvailable reports whether a local rsync binary can be found.
func RsyncAvailable() bool {
	_, err := exec.LookPath("rsync")
	return err == nil
}

// RsyncOpts identifies the remote endpoint for an rsync pull.
type RsyncOpts struct {
	User     string
	Host     string
	Port     int
	KeyFile  string
	BasePath string
}

// RsyncChanged pulls only the changed files from the remote host into
// destDir, preserving relative paths. The file list is passed via a
// temporary --files-from file so arbitrary path counts work.
func RsyncChanged(ctx context.Context, opts RsyncOpts, changed mapset.Set[string], destDir string) error {
	if changed == nil || changed.Cardinality() == 0 {
		return nil
	}
	if err := utils.EnsureDir(destDir); err != nil {
		return fmt.Errorf("prepare rsync destination: %w", err)
	}

	listFile, err := os.CreateTemp("", "fastdl-rsync-*.list")
	if err != nil {
		return fmt.Errorf("create rsync file list: %w", err)
	}
	defer os.Remove(listFile.Name())

	var sb strings.Builder
	for _, p := range changed.ToSlice() {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	if _, err := listFile.WriteString(sb.String()); err != nil {
		listFile.Close()
		return fmt.Errorf("write rsync file list: %w", err)
	}
	if err := listFile.Close(); err != nil {
		return fmt.Errorf("close rsync file list: %w", err)
	}

	sshCmd := fmt.Sprintf("ssh -p %d -o StrictHostKeyChecking=no", opts.Port)
	if opts.KeyFile != "" {
		sshCmd += " -i " + opts.KeyFile
	}

	src := fmt.Sprintf("%s@%s:%s/", opts.User, opts.Host, strings.TrimRight(opts.BasePath, "/"))

	ctx, cancel := context.WithTimeout(ctx, rsyncTimeout)
	defer cancel()

	args := []string{
		"-az",
		"--files-from=" + listFile.Name(),
		"-e", sshCmd,
		src,
		destDir,
	}
	slog.Info("rsyncing changed files", "files", changed.Cardinality(), "dest", destDir)
	slog.Debug("rsync command", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "rsync", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rsync: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
