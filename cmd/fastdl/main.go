package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gamesync/fastdl/internal/config"
	"github.com/gamesync/fastdl/internal/run"
	"github.com/gamesync/fastdl/internal/utils"
	"github.com/gamesync/fastdl/internal/version"
)

var (
	home, _         = os.UserHomeDir()
	defaultCacheDir = filepath.Join(home, ".cache", "fastdl")
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "fastdl [zip-file]",
	Short: "Sync game server assets to a FastDL bucket",
	Long: "fastdl takes Counter-Strike: Source assets from a zip archive, an HTTP URL\n" +
		"or the game server itself, compresses what clients download faster as bzip2,\n" +
		"and uploads the result to an S3-compatible bucket.",
	Version: version.Detailed(),
	Args:    cobra.MaximumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if len(args) == 1 {
			cfg.ZipPath = resolvePath(args[0])
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()
		return run.Run(cmd.Context(), cfg)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check and repair checksum sidecars in the output tree",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd.Root())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		dir := resolvePath(viper.GetString("output_dir"))
		if !utils.DirExists(dir) {
			return fmt.Errorf("output directory not found: %s", dir)
		}
		result := run.Validate(dir)
		if result.Errors > 0 {
			return fmt.Errorf("%d files failed validation", result.Errors)
		}
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.SortFlags = false

	f.String("remote-zip-url", "", "download the archive from this URL")
	f.Bool("create-remote-zip", false, "build the archive on the game server over SSH")
	f.String("remote-host", "", "game server hostname")
	f.String("remote-user", "", "game server SSH user")
	f.String("remote-password", "", "game server SSH password")
	f.String("remote-key-file", "", "game server SSH private key")
	f.Int("remote-port", 22, "game server SSH port")
	f.String("remote-path", "", "game directory on the server (contains maps/, sound/, ...)")

	f.StringP("bucket", "b", "", "target bucket name")
	f.String("endpoint-url", "", "S3-compatible endpoint URL")
	f.String("access-key", "", "object store access key")
	f.String("secret-key", "", "object store secret key")

	f.StringP("output-dir", "o", "fastdl_output", "processed output tree")
	f.String("cache-dir", defaultCacheDir, "cache directory for archives and state")

	f.Bool("skip-upload", false, "process only, do not upload")
	f.Bool("upload-only", false, "upload an existing output tree, do not fetch or process")
	f.Bool("keep-temp", false, "keep the extraction directory")

	f.IntP("workers", "w", 4, "concurrent compression workers")
	f.Int("upload-workers", 5, "concurrent upload workers")
	f.IntP("compression-level", "z", 9, "bzip2 compression level (1-9)")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(validateCmd)
}

var flagKeys = map[string]string{
	"remote_zip_url":    "remote-zip-url",
	"create_remote_zip": "create-remote-zip",
	"remote_host":       "remote-host",
	"remote_user":       "remote-user",
	"remote_password":   "remote-password",
	"remote_key_file":   "remote-key-file",
	"remote_port":       "remote-port",
	"remote_path":       "remote-path",
	"bucket":            "bucket",
	"endpoint_url":      "endpoint-url",
	"access_key":        "access-key",
	"secret_key":        "secret-key",
	"output_dir":        "output-dir",
	"cache_dir":         "cache-dir",
	"skip_upload":       "skip-upload",
	"upload_only":       "upload-only",
	"keep_temp":         "keep-temp",
	"workers":           "workers",
	"upload_workers":    "upload-workers",
	"compression_level": "compression-level",
}

func bindConfig(cmd *cobra.Command) error {
	for key, flag := range flagKeys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	viper.SetEnvPrefix("FASTDL")
	viper.AutomaticEnv()

	// Standard AWS variable names work too.
	viper.BindEnv("bucket", "FASTDL_BUCKET", "AWS_BUCKET_NAME")
	viper.BindEnv("endpoint_url", "FASTDL_ENDPOINT_URL", "AWS_ENDPOINT_URL")
	viper.BindEnv("access_key", "FASTDL_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	viper.BindEnv("secret_key", "FASTDL_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	return nil
}

// resolvePath expands and absolutizes path, falling back to the raw
// value when resolution fails; validation reports the real problem.
func resolvePath(path string) string {
	if path == "" {
		return ""
	}
	resolved, err := utils.ResolvePath(path)
	if err != nil {
		return path
	}
	return resolved
}

func configFromViper() *config.Config {
	return &config.Config{
		ZipURL:          viper.GetString("remote_zip_url"),
		CreateRemoteZip: viper.GetBool("create_remote_zip"),
		Remote: config.Remote{
			Host:     viper.GetString("remote_host"),
			User:     viper.GetString("remote_user"),
			Password: viper.GetString("remote_password"),
			KeyFile:  resolvePath(viper.GetString("remote_key_file")),
			Port:     viper.GetInt("remote_port"),
			Path:     viper.GetString("remote_path"),
		},
		Bucket:           viper.GetString("bucket"),
		EndpointURL:      viper.GetString("endpoint_url"),
		AccessKey:        viper.GetString("access_key"),
		SecretKey:        viper.GetString("secret_key"),
		OutputDir:        resolvePath(viper.GetString("output_dir")),
		CacheDir:         resolvePath(viper.GetString("cache_dir")),
		SkipUpload:       viper.GetBool("skip_upload"),
		UploadOnly:       viper.GetBool("upload_only"),
		KeepTemp:         viper.GetBool("keep_temp"),
		Workers:          viper.GetInt("workers"),
		UploadWorkers:    viper.GetInt("upload_workers"),
		CompressionLevel: viper.GetInt("compression_level"),
	}
}

func setupLogging() func() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	handlers := []slog.Handler{stdoutHandler}

	logPath := filepath.Join(defaultCacheDir, "fastdl.log")
	cleanup := func() {}
	if err := utils.EnsureParent(logPath); err == nil {
		if file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
			handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
			cleanup = func() { file.Close() }
		}
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return cleanup
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("FastDL Sync %s\n", version.Short())
}

func main() {
	// Credentials commonly live in a .env next to the binary.
	godotenv.Load()

	cleanup := setupLogging()
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fastdl failed", "error", err)
		os.Exit(1)
	}
}
