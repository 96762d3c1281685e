package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"go.olrik.dev/idlesync/internal/core"
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	return sendCommand(core.GetSocketPath(), command)
}

func sendCommand(socketPath, command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// Hold asks the daemon for an inhibition that lasts as long as the returned
// connection stays open. The daemon's acknowledgement is returned alongside.
func Hold(reason string) (net.Conn, Response, error) {
	return hold(core.GetSocketPath(), reason)
}

func hold(socketPath, reason string) (net.Conn, Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, response, err
	}

	command := "INHIBIT"
	if reason != "" {
		command += " " + reason
	}
	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		conn.Close()
		return nil, response, fmt.Errorf("failed to send command to daemon: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, response, fmt.Errorf("failed to read response from daemon: %w", err)
	}
	if err := json.Unmarshal(line, &response); err != nil {
		conn.Close()
		return nil, response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}
	if response.Failed() {
		conn.Close()
		return nil, response, nil
	}
	return conn, response, nil
}

// WaitForShutdown polls STATUS until the daemon stops answering or timeout
// passes. It reports whether the daemon went away.
func WaitForShutdown(timeout time.Duration) bool {
	pollInterval := 100 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < timeout; elapsed += pollInterval {
		time.Sleep(pollInterval)
		if _, err := SendCommand("STATUS"); err != nil {
			slog.Debug("Daemon shutdown confirmed")
			return true
		}
	}
	return false
}

// CheckVersionMismatch warns when the running daemon was built from
// different sources than this client.
func CheckVersionMismatch() {
	response, err := SendCommand("VERSION")
	if err != nil {
		return
	}
	var info VersionInfo
	if err := response.DecodeData(&info); err != nil || info.Version == "" {
		return
	}
	if !core.SameVersion(core.Version, info.Version) {
		slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.",
			core.FormatVersion(core.Version), core.FormatVersion(info.Version)))
	}
}
