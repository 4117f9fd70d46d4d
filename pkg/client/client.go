// Package client talks to the daemon over its unix socket. It mirrors
// the wire protocol structs locally so importers need nothing beyond
// this package.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dexoptd/pkg/logger"
)

// Client is a synchronous connection to the daemon. Safe for
// concurrent use; requests on one client are serialized.
type Client struct {
	socketPath string
	conn       net.Conn
	mu         sync.Mutex
	log        *logger.Logger
	requestID  uint64 // Accessed atomically, do not access directly
}

// New creates a client for the given socket. No connection is made
// until the first call.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		log:        logger.WithField("component", "client"),
	}
}

// Connect establishes the connection eagerly.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	return c.reconnect()
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsAlive probes the daemon.
func (c *Client) IsAlive() (bool, error) {
	resp, err := c.call(Message{Operation: "isAlive"})
	if err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// DeleteArtifacts removes the artifact triple of a dex file and
// reports bytes freed.
func (c *Client) DeleteArtifacts(dexPath, isa string, inDalvikCache bool) (int64, error) {
	resp, err := c.call(Message{
		Operation: "deleteArtifacts",
		Artifact:  &ArtifactRef{DexPath: dexPath, ISA: isa, InDalvikCache: inDalvikCache},
	})
	if err != nil {
		return 0, err
	}
	return resp.Bytes, nil
}

// GetArtifactsSize reports the on-disk size of an artifact triple.
func (c *Client) GetArtifactsSize(dexPath, isa string, inDalvikCache bool) (int64, error) {
	resp, err := c.call(Message{
		Operation: "getArtifactsSize",
		Artifact:  &ArtifactRef{DexPath: dexPath, ISA: isa, InDalvikCache: inDalvikCache},
	})
	if err != nil {
		return 0, err
	}
	return resp.Bytes, nil
}

// GetDexFileVisibility reports other-readability of a dex file.
func (c *Client) GetDexFileVisibility(dexPath string) (string, error) {
	resp, err := c.call(Message{Operation: "getDexFileVisibility", DexPath: dexPath})
	if err != nil {
		return "", err
	}
	return resp.Visibility, nil
}

// DeleteProfile removes a profile.
func (c *Client) DeleteProfile(profile *ProfileRef) error {
	_, err := c.call(Message{Operation: "deleteProfile", Profile: profile})
	return err
}

// IsInDalvikCache reports where artifacts for a dex file belong.
func (c *Client) IsInDalvikCache(dexPath string) (bool, error) {
	resp, err := c.call(Message{Operation: "isInDalvikCache", DexPath: dexPath})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

// CleanupPreRebootStagedFiles removes every staged file.
func (c *Client) CleanupPreRebootStagedFiles() error {
	_, err := c.call(Message{Operation: "cleanupPreRebootStagedFiles"})
	return err
}

// CommitPreRebootStagedFiles promotes staged files; it reports whether
// anything moved.
func (c *Client) CommitPreRebootStagedFiles(artifacts []ArtifactRef, profiles []ProfileRef) (bool, error) {
	resp, err := c.call(Message{
		Operation: "commitPreRebootStagedFiles",
		Artifacts: artifacts,
		Profiles:  profiles,
	})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

// CheckPreRebootSystemRequirements vets a staged system image.
func (c *Client) CheckPreRebootSystemRequirements(chrootDir string) (bool, error) {
	resp, err := c.call(Message{Operation: "checkPreRebootSystemRequirements", ChrootDir: chrootDir})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

// Call sends an arbitrary request frame and returns the raw response.
// The typed helpers cover the common operations; Call is the escape
// hatch for the rest of the protocol.
func (c *Client) Call(msg Message) (*Response, error) {
	return c.call(msg)
}

func (c *Client) call(msg Message) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.reconnect(); err != nil {
			return nil, err
		}
	}

	msg.RequestID = c.nextRequestID()
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.conn.Write(data); err != nil {
		c.log.Error("failed to write to daemon socket", "error", err)
		c.conn.Close()
		c.conn = nil
		return nil, err
	}

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed")
	}

	var response Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("%s failed: %s", msg.Operation, response.Error)
	}
	return &response, nil
}

func (c *Client) reconnect() error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon socket %s: %w", c.socketPath, err)
	}
	c.conn = conn
	c.log.Info("connected to daemon", "socket", c.socketPath)
	return nil
}

func (c *Client) nextRequestID() string {
	id := atomic.AddUint64(&c.requestID, 1)
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), id)
}

// Wire types matching the daemon protocol.

// ArtifactRef addresses one artifact triple.
type ArtifactRef struct {
	DexPath       string `json:"dexPath"`
	ISA           string `json:"isa"`
	InDalvikCache bool   `json:"inDalvikCache,omitempty"`
}

// ProfileRef addresses one profile; Kind selects the variant.
type ProfileRef struct {
	Kind        string      `json:"kind"`
	PackageName string      `json:"packageName,omitempty"`
	ProfileName string      `json:"profileName,omitempty"`
	UserID      int         `json:"userId,omitempty"`
	DexPath     string      `json:"dexPath,omitempty"`
	IsPreReboot bool        `json:"isPreReboot,omitempty"`
	ID          string      `json:"id,omitempty"`
	Final       *ProfileRef `json:"final,omitempty"`
}

// Message is one request frame.
type Message struct {
	Operation string `json:"op"`
	RequestID string `json:"requestId"`

	Artifact  *ArtifactRef  `json:"artifact,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	Profile   *ProfileRef   `json:"profile,omitempty"`
	Profiles  []ProfileRef  `json:"profiles,omitempty"`

	DexPath   string `json:"dexPath,omitempty"`
	ChrootDir string `json:"chrootDir,omitempty"`
	CancelID  string `json:"cancelId,omitempty"`
	NotifyID  string `json:"notifyId,omitempty"`
	PID       int    `json:"pid,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// Response is one reply frame.
type Response struct {
	RequestID    string `json:"requestId"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	IllegalState bool   `json:"illegalState,omitempty"`

	Alive      bool   `json:"alive,omitempty"`
	Bool       bool   `json:"bool,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	CancelID   string `json:"cancelId,omitempty"`
	NotifyID   string `json:"notifyId,omitempty"`
}
