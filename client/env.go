package client

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

const (
	DefaultDriveEndpointVar   = "DRIVE_ENDPOINT"    // host:port
	DefaultDriveDomainVar     = "DRIVE_DOMAIN"      // optional, replaces the host for the URL
	DefaultDriveSkipVerifyVar = "DRIVE_SKIP_VERIFY" // true|false
	DefaultDrivePlainHTTPVar  = "DRIVE_PLAIN_HTTP"  // true|false
)

// CreateClientFromEnv builds a client from the DRIVE_* environment variables.
func CreateClientFromEnv(logger *slog.Logger) (*Client, error) {
	hostPort := os.Getenv(DefaultDriveEndpointVar)
	if hostPort == "" {
		return nil, fmt.Errorf("%s is not set", DefaultDriveEndpointVar)
	}
	skipVerify, err := envBool(DefaultDriveSkipVerifyVar)
	if err != nil {
		return nil, err
	}
	plainHTTP, err := envBool(DefaultDrivePlainHTTPVar)
	if err != nil {
		return nil, err
	}
	return NewClient(&Config{
		Endpoint: Endpoint{
			HostPort:     hostPort,
			ClientDomain: os.Getenv(DefaultDriveDomainVar),
		},
		SkipVerify: skipVerify,
		PlainHTTP:  plainHTTP,
		Logger:     logger,
	})
}

func envBool(name string) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return v, nil
}
