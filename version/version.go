// Package version carries build identification injected via ldflags.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/linuxmatters/coilwatch/version.version=0.2.0 \
//	                   -X github.com/linuxmatters/coilwatch/version.commit=abc1234"
//
// Local dev builds report "dev".
var (
	version = "dev"
	commit  = ""
)

// Name is the canonical binary name.
func Name() string { return "coilwatch" }

// Version returns the build version string.
func Version() string { return version }

// Commit returns the VCS revision the binary was built from, if known.
func Commit() string { return commit }
