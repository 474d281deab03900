// Package version holds the build version, set with
//
//	-ldflags "-X minhash-go/internal/version.Version=v1.2.3"
package version

// Version is the software version recorded in integrity reports.
var Version = "dev"
