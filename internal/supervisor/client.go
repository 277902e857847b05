package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/nurminendev/unnode/internal/core"
)

// SendCommand connects to the supervisor's control socket, sends one
// command and returns the decoded response. Used by the CLI client
// commands (status, stop, reload).
func SendCommand(cfg *core.Settings, command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", cfg.SocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to supervisor: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from supervisor: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from supervisor: %w", err)
	}

	return response, nil
}

// StreamLogs connects to the control socket and copies the log stream to w
// until the supervisor goes away or the copy fails (client disconnect).
func StreamLogs(cfg *core.Settings, w io.Writer) error {
	conn, err := net.Dial("unix", cfg.SocketPath())
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("LOGS\n")); err != nil {
		return fmt.Errorf("failed to request log stream: %w", err)
	}
	_, err = io.Copy(w, conn)
	return err
}
