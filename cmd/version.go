package cmd

import (
	"fmt"
	"io"
	"runtime"
)

// Set at build time with -ldflags "-X genctl/cmd.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func versionText() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s/%s)", Version, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "genctl 版本：%s\n", versionText())
}
