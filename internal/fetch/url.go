package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imroc/req/v3"

	"github.com/gamesync/fastdl/internal/version"
)

var httpClient = req.C().
	SetUserAgent(version.AppName + "/" + version.Version).
	SetTimeout(30 * time.Minute)

// DownloadArchive streams url to dest, logging progress once per
// second. A non-2xx response removes the partial file and fails.
func DownloadArchive(ctx context.Context, url, dest string) error {
	slog.Info("downloading archive", "url", url)
	start := time.Now()

	resp, err := httpClient.R().
		DisableAutoReadResponse().
		SetContext(ctx).
		SetOutputFile(dest).
		SetDownloadCallbackWithInterval(func(info req.DownloadInfo) {
			if info.Response.Response == nil {
				return
			}
			total := info.Response.ContentLength
			if total > 0 {
				slog.Info("download progress",
					"percent", info.DownloadedSize*100/total,
					"transferred", humanize.Bytes(uint64(info.DownloadedSize)),
					"total", humanize.Bytes(uint64(total)))
			} else {
				slog.Info("download progress",
					"transferred", humanize.Bytes(uint64(info.DownloadedSize)))
			}
		}, time.Second).
		Get(url)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if resp.IsErrorState() {
		// The error body landed in dest via SetOutputFile.
		os.Remove(dest)
		return fmt.Errorf("download %s: HTTP %d", url, resp.GetStatusCode())
	}

	if info, err := os.Stat(dest); err == nil {
		slog.Info("archive downloaded",
			"size", humanize.Bytes(uint64(info.Size())),
			"took", time.Since(start).Round(time.Millisecond))
	}
	return nil
}
