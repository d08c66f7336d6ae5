// Package config holds the daemon's effective configuration: the flag
// surface resolved by the CLI layer, validation of the watched root, and
// the AWS credential presence check.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults for every tunable. Zero disables the corresponding service.
const (
	DefaultSweepInterval = 10 // seconds between synchronizer ticks
	DefaultSweepCount    = 10 // failed rows re-enqueued per tick
	DefaultBucketMax     = 10 // concurrent uploads per bucket
	DefaultUploadTimeout = 10 // seconds per upload attempt
	DefaultFailLimit     = 10 // failed attempts before a row is tombstoned
	DefaultPingInterval  = 10 // seconds between reachability probes
	DefaultVerifyTimeout = 0  // milliseconds; 0 disables verification
	DefaultCleanInterval = 10 // seconds between ledger maintenance passes
	DefaultVerbosity     = "info"
)

// Environment variables required for the S3 credential chain.
const (
	EnvAccessKey = "AWS_ACCESS_KEY_ID"
	EnvSecretKey = "AWS_SECRET_ACCESS_KEY"
)

// ErrMissingCredentials is returned when either AWS credential variable
// is absent from the environment.
var ErrMissingCredentials = errors.New(
	"config: " + EnvAccessKey + " and " + EnvSecretKey + " must be set")

// Options is the resolved configuration for one daemon run.
type Options struct {
	// Root is the watched directory; its immediate subdirectories are
	// treated as bucket names. Made absolute by Validate.
	Root string

	SweepInterval uint // seconds; 0 disables the synchronizer
	SweepCount    uint // failed paths popped per tick; 0 disables the synchronizer
	BucketMax     uint // cap on concurrent uploads per bucket
	UploadTimeout uint // seconds per upload attempt
	FailLimit     uint // attempts before a ledger row is tombstoned
	PingInterval  uint // seconds; 0 treats the network as always up
	VerifyTimeout uint // milliseconds; 0 disables post-upload verification
	CleanInterval uint // seconds; 0 disables ledger maintenance

	SweepOnce bool   // sweep every bucket once and exit, ignoring the ledger
	Verbosity string // log floor: critical, error, warn or info
}

// Default returns an Options populated with the documented defaults.
// Root has no default; it is a required flag.
func Default() Options {
	return Options{
		SweepInterval: DefaultSweepInterval,
		SweepCount:    DefaultSweepCount,
		BucketMax:     DefaultBucketMax,
		UploadTimeout: DefaultUploadTimeout,
		FailLimit:     DefaultFailLimit,
		PingInterval:  DefaultPingInterval,
		VerifyTimeout: DefaultVerifyTimeout,
		CleanInterval: DefaultCleanInterval,
		Verbosity:     DefaultVerbosity,
	}
}

// Validate checks the watched root and normalizes it to an absolute path.
func (o *Options) Validate() error {
	if o.Root == "" {
		return errors.New("config: --root is required")
	}

	abs, err := filepath.Abs(o.Root)
	if err != nil {
		return fmt.Errorf("config: resolving root %q: %w", o.Root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("config: root %s: %w", abs, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("config: root %s is not a directory", abs)
	}

	o.Root = abs

	return nil
}

// CheckCredentials verifies that both AWS credential variables are set.
// The SDK's default provider chain reads them later; this check exists
// only so a missing key fails fast with a clear diagnostic.
func CheckCredentials() error {
	if os.Getenv(EnvAccessKey) == "" || os.Getenv(EnvSecretKey) == "" {
		return ErrMissingCredentials
	}

	return nil
}

// UploadTimeoutDuration returns the upload timeout as a time.Duration.
func (o *Options) UploadTimeoutDuration() time.Duration {
	return time.Duration(o.UploadTimeout) * time.Second
}

// VerifyTimeoutDuration returns the verification timeout as a
// time.Duration. Zero means verification is disabled.
func (o *Options) VerifyTimeoutDuration() time.Duration {
	return time.Duration(o.VerifyTimeout) * time.Millisecond
}

// PingIntervalDuration returns the probe period. Zero disables probing.
func (o *Options) PingIntervalDuration() time.Duration {
	return time.Duration(o.PingInterval) * time.Second
}

// SweepIntervalDuration returns the synchronizer period.
func (o *Options) SweepIntervalDuration() time.Duration {
	return time.Duration(o.SweepInterval) * time.Second
}

// CleanIntervalDuration returns the ledger maintenance period.
func (o *Options) CleanIntervalDuration() time.Duration {
	return time.Duration(o.CleanInterval) * time.Second
}
