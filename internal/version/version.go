// Package version holds build metadata injected with -ldflags.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/saworbit/perfrecord/internal/version.Version=v1.2.3".
var Version = "dev"
