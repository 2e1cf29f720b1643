package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags "-X sitehost/internal/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func Info() string {
	return fmt.Sprintf("sitehost %s %s %s/%s %s built %s",
		Version,
		GitCommit,
		runtime.GOOS,
		runtime.GOARCH,
		runtime.Version(),
		BuildTime,
	)
}
