package keyring

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptClientKey asks for a client key copied from another webOS client
// without echoing it.
func PromptClientKey(host string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter client key for '%s': ", host)

	// Try to open /dev/tty directly for terminal input
	// Fall back to stdin if tty is not available
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	keyBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after input

	if err != nil {
		return "", fmt.Errorf("failed to read client key: %w", err)
	}

	key := strings.TrimSpace(string(keyBytes))
	if key == "" {
		return "", fmt.Errorf("empty client key")
	}
	return key, nil
}
