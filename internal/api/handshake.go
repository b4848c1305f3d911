package api

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AgentName names the per-user directory the handshake file and its
// legacy counterpart live under.
const AgentName = "aiusagemonitor"

// portFallbackRange is how many sequential ports past the preferred one
// are tried before falling back to an OS-chosen ephemeral port.
const portFallbackRange = 10

// HandshakeDoc is the file GUI front-ends read to discover the running
// agent's port without an environment variable.
type HandshakeDoc struct {
	Port        int      `json:"port"`
	ProcessID   int      `json:"processId"`
	SessionID   string   `json:"sessionId"`
	StartedAt   string   `json:"startedAt"`
	DebugMode   bool     `json:"debugMode"`
	Errors      []string `json:"errors"`
	MachineName string   `json:"machineName"`
	UserName    string   `json:"userName"`
}

// ListenLoopback binds to 127.0.0.1 starting at preferredPort: the
// preferred value first, then the next portFallbackRange ports, then an
// OS-chosen ephemeral port.
func ListenLoopback(preferredPort int) (net.Listener, int, error) {
	for offset := 0; offset <= portFallbackRange; offset++ {
		port := preferredPort + offset
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, port, nil
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("bind loopback ephemeral port: %w", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// PrimaryHandshakePath is the well-known per-user location for the
// handshake file.
func PrimaryHandshakePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, AgentName, "monitor.json")
}

// LegacyHandshakePath is an older location kept for compatibility with
// front-ends built before PrimaryHandshakePath was introduced.
func LegacyHandshakePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+AgentName, "monitor.json")
}

// WriteHandshakeFile writes doc to both the primary and (if different)
// legacy handshake paths, creating parent directories as needed.
func WriteHandshakeFile(doc HandshakeDoc, primaryPath, legacyPath string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handshake document: %w", err)
	}

	if err := writeFileAtomic(primaryPath, data); err != nil {
		return fmt.Errorf("write primary handshake file: %w", err)
	}

	if legacyPath != "" && legacyPath != primaryPath {
		if err := writeFileAtomic(legacyPath, data); err != nil {
			log.Warn().Err(err).Str("path", legacyPath).Msg("write legacy handshake file failed")
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// NewHandshakeDoc builds a HandshakeDoc for the current process.
func NewHandshakeDoc(port int, debugMode bool, errs []string) HandshakeDoc {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if errs == nil {
		errs = []string{}
	}
	return HandshakeDoc{
		Port:        port,
		ProcessID:   os.Getpid(),
		SessionID:   uuid.NewString(),
		StartedAt:   time.Now().UTC().Format("2006-01-02 15:04:05"),
		DebugMode:   debugMode,
		Errors:      errs,
		MachineName: hostname,
		UserName:    user,
	}
}
