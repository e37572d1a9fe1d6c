package remote

import (
	"fmt"
	"strings"

	"github.com/nf-motors/vehicle-eval/backend/internal/config"
	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
)

// Storage providers accepted in storage.provider.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// awsRegions lists the S3 regions images may be stored in.
var awsRegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-1":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-west-2":      true,
	"eu-west-3":      true,
	"eu-central-1":   true,
	"eu-north-1":     true,
	"ap-northeast-1": true,
	"ap-northeast-2": true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-south-1":     true,
	"ca-central-1":   true,
	"sa-east-1":      true,
}

// resolveProvider fills endpoint, region and addressing style for the
// configured provider. An explicit endpoint is kept as given.
func resolveProvider(cfg config.StorageConfig) (config.StorageConfig, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderAWS:
		if cfg.Region == "" {
			cfg.Region = "us-east-1"
		}
		if cfg.Endpoint == "" && !awsRegions[cfg.Region] {
			return cfg, errors.New(errors.ErrConfig, fmt.Sprintf("unknown AWS region: %s", cfg.Region))
		}

	case ProviderMinIO:
		if cfg.Endpoint == "" {
			cfg.Endpoint = "localhost:9000"
		}
		cfg.Endpoint = withScheme(cfg.Endpoint, cfg.UseSSL)
		// MinIO ignores the region but the signer needs one.
		if cfg.Region == "" {
			cfg.Region = "us-east-1"
		}
		cfg.UsePathStyle = true

	case ProviderR2:
		if !validR2Account(cfg.AccountID) {
			return cfg, errors.New(errors.ErrConfig, "storage.account_id must be a 32 character hex Cloudflare account id")
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
		}
		cfg.Region = "auto"
		// R2 API endpoints are not public; objects are served from a bound domain.
		if cfg.PublicBaseURL == "" {
			return cfg, errors.New(errors.ErrConfig, "storage.public_base_url is required for r2")
		}

	default:
		return cfg, errors.New(errors.ErrConfig, fmt.Sprintf("unknown storage provider: %s", cfg.Provider))
	}
	return cfg, nil
}

func withScheme(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

func validR2Account(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
