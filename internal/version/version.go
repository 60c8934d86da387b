package version

import "fmt"

var (
	CLIName    = "lendflow"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", CLIVersion, Commit, BuildDate)
}

func UserAgent() string {
	return fmt.Sprintf("%s/%s", CLIName, CLIVersion)
}
