package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/core"
	"go.olrik.dev/idlesync/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  idle     - Idle timer and presence transitions
  tv       - TV actions, pairing and Wake-on-LAN
  inhibit  - Inhibition holds and the D-Bus bridge
  audio    - Audio activity and nudges
  system   - Daemon start/stop and compositor connection

Examples:
  idlesync logs             # Stream INFO and above
  idlesync logs -v          # Include DEBUG logs
  idlesync logs -F tv       # Filter to TV actions
  idlesync logs -F inhibit  # Filter to inhibition
  idlesync logs -L 50       # Show 50 history lines on connect

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err != nil {
				slog.Error("Daemon is not running. Use 'idlesync daemon' to start it.")
				os.Exit(1)
			}

			verbose, _ := cmd.Flags().GetBool("verbose")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			// History is only replayed on the first connection
			isReconnect := false

			for {
				conn, err := net.Dial("unix", core.GetSocketPath())
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
					os.Exit(1)
				}

				request := fmt.Sprintf("LOGS %d", lines)
				if isReconnect {
					request += " no_history"
				}
				if _, err := conn.Write([]byte(request + "\n")); err != nil {
					conn.Close()
					slog.Error(fmt.Sprintf("Failed to send LOGS command: %v", err))
					os.Exit(1)
				}

				done := make(chan struct{})
				go func() {
					defer close(done)
					reader := bufio.NewReader(conn)
					for {
						line, err := reader.ReadString('\n')
						if err != nil {
							return
						}
						if !verbose && isDebugLog(line) {
							continue
						}
						if filter != "" && !matchesFilter(line, filter) {
							continue
						}
						if noColor {
							line = stripANSI(line)
						}
						fmt.Print(line)
					}
				}()

				select {
				case <-sigChan:
					conn.Close()
					fmt.Println("\nDisconnected from daemon logs.")
					return
				case <-done:
					conn.Close()
					fmt.Println("Connection lost. Reconnecting...")
					if !waitForDaemon(10, 500*time.Millisecond) {
						fmt.Println("Daemon not available. Exiting.")
						return
					}
					isReconnect = true
				}
			}
		},
	}

	logsCmd.Flags().BoolP("verbose", "v", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by category or keyword (e.g., tv, inhibit, audio)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

// waitForDaemon polls STATUS until the daemon answers again
func waitForDaemon(attempts int, interval time.Duration) bool {
	for range attempts {
		time.Sleep(interval)
		if _, err := daemon.SendCommand("STATUS"); err == nil {
			return true
		}
	}
	return false
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	if strings.Contains(line, "\033[90mDBG\033[0m") {
		return true
	}
	stripped := stripANSI(line)
	return strings.Contains(stripped, " DBG ") || strings.Contains(stripped, "\tDBG\t")
}

// matchesFilter checks if a log line belongs to a category, or contains
// filter as a keyword
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	switch filter {
	case "idle":
		return strings.Contains(lineLower, "presence") ||
			strings.Contains(lineLower, "idle") ||
			strings.Contains(lineLower, "resume")
	case "tv":
		return strings.Contains(lineLower, "tv") ||
			strings.Contains(lineLower, "device action") ||
			strings.Contains(lineLower, "wake-on-lan") ||
			strings.Contains(lineLower, "pair")
	case "inhibit":
		return strings.Contains(lineLower, "inhibit") ||
			strings.Contains(lineLower, "hold") ||
			strings.Contains(lineLower, "bridge")
	case "audio":
		return strings.Contains(lineLower, "audio") ||
			strings.Contains(lineLower, "nudge") ||
			strings.Contains(lineLower, "activity")
	case "system":
		return strings.Contains(lineLower, "daemon") ||
			strings.Contains(lineLower, "compositor") ||
			strings.Contains(lineLower, "socket")
	default:
		return strings.Contains(lineLower, filter)
	}
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
