package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
)

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// naming a command group ("supply") allows every subcommand under it.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		want := normalize(allowed)
		if want == "" {
			continue
		}
		if want == normPath || strings.HasPrefix(normPath, want+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// WritesOnChain reports whether a command path can submit transactions.
func WritesOnChain(commandPath string) bool {
	parts := strings.Fields(normalize(commandPath))
	return len(parts) == 2 && parts[1] == "run"
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
