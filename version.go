package go_dzdecrypt

import (
	"fmt"
	"runtime"
)

// version is overridden at build time with -ldflags "-X github.com/devgianlu/go-dzdecrypt.version=..."
var version = "dev"

func VersionNumberString() string {
	return version
}

func VersionString() string {
	return fmt.Sprintf("go-dzdecrypt %s", VersionNumberString())
}

func SystemInfoString() string {
	return fmt.Sprintf("%s; Go %s (%s/%s)", VersionString(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func UserAgent() string {
	return fmt.Sprintf("go-dzdecrypt/%s Go/%s", VersionNumberString(), runtime.Version())
}
