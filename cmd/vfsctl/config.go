package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/gobeaver/beaver-kit/config"
	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/driver/memory"
	"github.com/gobeaver/vfskit/driver/s3"
	"github.com/gobeaver/vfskit/driver/sftp"
	"github.com/joho/godotenv"
)

// cliConfig selects the optional drivers vfsctl registers on start.
type cliConfig struct {
	// Memory driver
	MemoryMaxSize int64 `env:"VFSCTL_MEMORY_MAX_SIZE,default:0"`

	// S3 driver, registered when a bucket is set
	S3Bucket          string `env:"VFSCTL_S3_BUCKET"`
	S3Prefix          string `env:"VFSCTL_S3_PREFIX"`
	S3Region          string `env:"VFSCTL_S3_REGION,default:us-east-1"`
	S3Endpoint        string `env:"VFSCTL_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"VFSCTL_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"VFSCTL_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"VFSCTL_S3_FORCE_PATH_STYLE,default:false"`

	// SFTP driver, registered when a host is set
	SFTPHost       string `env:"VFSCTL_SFTP_HOST"`
	SFTPPort       int    `env:"VFSCTL_SFTP_PORT,default:22"`
	SFTPUsername   string `env:"VFSCTL_SFTP_USERNAME"`
	SFTPPassword   string `env:"VFSCTL_SFTP_PASSWORD"`
	SFTPPrivateKey string `env:"VFSCTL_SFTP_PRIVATE_KEY"` // Path to private key file
	SFTPKnownHosts string `env:"VFSCTL_SFTP_KNOWN_HOSTS"`
	SFTPBasePath   string `env:"VFSCTL_SFTP_BASE_PATH"`
}

// loadEnv reads env files in order. Missing files are skipped; variables
// already set in the environment win.
func loadEnv(files []string) error {
	for _, name := range files {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func loadCLIConfig() (*cliConfig, error) {
	cfg := &cliConfig{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDrivers adds the configured drivers to the process registry and
// returns them so they can be removed again.
func registerDrivers(cfg *cliConfig, logger *slog.Logger) ([]*vfskit.Driver, []func() error, error) {
	var (
		drivers []*vfskit.Driver
		closers []func() error
	)

	mem, err := memory.Register(memory.Config{MaxSize: cfg.MemoryMaxSize}, false)
	if err != nil {
		return nil, nil, fmt.Errorf("memory driver: %w", err)
	}
	drivers = append(drivers, mem)

	if cfg.S3Bucket != "" {
		client, err := s3.NewClient(context.Background(), s3.ClientConfig{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			return drivers, closers, fmt.Errorf("s3 driver: %w", err)
		}
		a, err := s3.Register(client, cfg.S3Bucket, false, s3.WithPrefix(cfg.S3Prefix), s3.WithLogger(logger))
		if err != nil {
			return drivers, closers, fmt.Errorf("s3 driver: %w", err)
		}
		drivers = append(drivers, a.Driver())
	}

	if cfg.SFTPHost != "" {
		a, err := sftp.Register(sftp.Config{
			Host:           cfg.SFTPHost,
			Port:           cfg.SFTPPort,
			Username:       cfg.SFTPUsername,
			Password:       cfg.SFTPPassword,
			PrivateKeyPath: cfg.SFTPPrivateKey,
			KnownHostsFile: cfg.SFTPKnownHosts,
			BasePath:       cfg.SFTPBasePath,
		}, false, sftp.WithLogger(logger))
		if err != nil {
			return drivers, closers, fmt.Errorf("sftp driver: %w", err)
		}
		drivers = append(drivers, a.Driver())
		closers = append(closers, a.Close)
	}

	return drivers, closers, nil
}
