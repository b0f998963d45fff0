// Package version holds the build version, set with
// -ldflags "-X vaporous/internal/version.Version=...".
package version

var Version = "dev"
