// Package config defines the run configuration and its validation.
// All configuration errors are fatal before any work begins.
package config

import (
	"errors"
	"fmt"

	"github.com/gamesync/fastdl/internal/utils"
)

// SourceMode selects where the working archive comes from. Exactly one
// mode must be configured per run.
type SourceMode string

const (
	SourceLocal  SourceMode = "local"  // pre-existing archive on disk
	SourceRemote SourceMode = "remote" // build archive on the game server over SSH
	SourceURL    SourceMode = "url"    // download archive over HTTP
)

// Remote holds SSH connection parameters for remote-build mode.
type Remote struct {
	Host     string
	User     string
	Password string
	KeyFile  string
	Port     int
	Path     string // remote game directory containing the allowed folders
}

// Config is the full run configuration, assembled by the CLI layer and
// validated once before the pipeline starts.
type Config struct {
	// Source selection
	ZipPath         string // local mode
	ZipURL          string // url mode
	CreateRemoteZip bool   // remote mode
	Remote          Remote

	// Object storage
	Bucket      string
	EndpointURL string
	AccessKey   string
	SecretKey   string

	// Layout
	OutputDir string
	CacheDir  string

	// Behavior
	SkipUpload bool
	KeepTemp   bool
	UploadOnly bool

	// Tuning
	Workers          int
	UploadWorkers    int
	CompressionLevel int
}

const (
	MaxWorkers       = 16
	MaxUploadWorkers = 50
)

// Mode returns the configured source mode. Only meaningful after
// Validate has passed.
func (c *Config) Mode() SourceMode {
	switch {
	case c.CreateRemoteZip:
		return SourceRemote
	case c.ZipURL != "":
		return SourceURL
	default:
		return SourceLocal
	}
}

// Validate checks the configuration and returns the first problem
// found. Every error here is a configuration error per the run's error
// taxonomy: fatal, reported before any work begins.
func (c *Config) Validate() error {
	if !c.UploadOnly {
		modes := 0
		if c.ZipPath != "" {
			modes++
		}
		if c.ZipURL != "" {
			modes++
		}
		if c.CreateRemoteZip {
			modes++
		}
		if modes == 0 {
			return errors.New("no source selected: provide a zip path, --remote-zip-url, or --create-remote-zip")
		}
		if modes > 1 {
			return errors.New("conflicting sources: zip path, --remote-zip-url and --create-remote-zip are mutually exclusive")
		}
	}

	if c.Bucket == "" && !c.SkipUpload {
		return errors.New("bucket name is required (use --bucket or AWS_BUCKET_NAME, or pass --skip-upload)")
	}

	if c.CreateRemoteZip {
		if c.Remote.Host == "" {
			return errors.New("remote host is required for --create-remote-zip")
		}
		if c.Remote.User == "" {
			return errors.New("remote user is required for --create-remote-zip")
		}
		if c.Remote.Password == "" && c.Remote.KeyFile == "" {
			return errors.New("remote password or key file is required for --create-remote-zip")
		}
		if c.Remote.KeyFile != "" && !utils.FileExists(c.Remote.KeyFile) {
			return fmt.Errorf("remote key file not found: %s", c.Remote.KeyFile)
		}
		if c.Remote.Port < 1 || c.Remote.Port > 65535 {
			return fmt.Errorf("remote port %d out of range 1-65535", c.Remote.Port)
		}
		if c.Remote.Path == "" {
			return errors.New("remote path is required for --create-remote-zip")
		}
	}

	if c.ZipPath != "" && !c.UploadOnly && !utils.FileExists(c.ZipPath) {
		return fmt.Errorf("zip file not found: %s", c.ZipPath)
	}

	if c.OutputDir == "" {
		return errors.New("output directory cannot be empty")
	}
	if c.CacheDir == "" {
		return errors.New("cache directory cannot be empty")
	}

	if c.Workers < 1 || c.Workers > MaxWorkers {
		return fmt.Errorf("workers %d out of range 1-%d", c.Workers, MaxWorkers)
	}
	if c.UploadWorkers < 1 || c.UploadWorkers > MaxUploadWorkers {
		return fmt.Errorf("upload workers %d out of range 1-%d", c.UploadWorkers, MaxUploadWorkers)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression level %d out of range 1-9", c.CompressionLevel)
	}

	return nil
}
