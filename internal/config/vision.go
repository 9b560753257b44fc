package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/sslvision/internal/vision"
)

// DefaultConfigPath is the path to the bundled vision defaults file.
const DefaultConfigPath = "config/vision.defaults.json"

// Environment variables that override values from the config file.
const (
	EnvMulticastIP = "MULTICAST_IP"
	EnvVisionPort  = "VISION_PORT"
	EnvTeamSide    = "TEAM_SIDE"
)

// Defaults used when a field is omitted from the config file.
const (
	DefaultMulticastIP = "224.5.23.2"
	DefaultVisionPort  = 10006
	DefaultBufferSize  = 1024
	DefaultReadTimeout = 100 * time.Millisecond
	DefaultListenAddr  = ":8090"
)

// DefaultFieldSize is the division B field used when neither the config nor
// a geometry packet provides one.
var DefaultFieldSize = vision.FieldSize{Width: 9.0, Height: 6.0}

// VisionConfig is the root configuration for the vision bridge. All fields
// are optional; the Get* methods supply defaults.
type VisionConfig struct {
	// Network
	MulticastIP *string `json:"multicast_ip,omitempty"`
	VisionPort  *int    `json:"vision_port,omitempty"`
	Interface   *string `json:"interface,omitempty"`
	RcvBufBytes *int    `json:"rcvbuf_bytes,omitempty"`
	BufferSize  *int    `json:"buffer_size,omitempty"`
	ReadTimeout *string `json:"read_timeout,omitempty"` // duration string like "100ms"

	// Normalization
	TeamSide     *string  `json:"team_side,omitempty"`
	FieldWidth   *float64 `json:"field_width,omitempty"`  // meters, along x
	FieldHeight  *float64 `json:"field_height,omitempty"` // meters, along y
	KeepLastBall *bool    `json:"keep_last_ball,omitempty"`

	// Outputs
	ForwardAddr *string `json:"forward_addr,omitempty"`
	ListenAddr  *string `json:"listen_addr,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// LoadVisionConfig loads a VisionConfig from a JSON file, applies
// environment overrides and validates the result.
func LoadVisionConfig(path string) (*VisionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &VisionConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides the multicast group, port and team side from the
// environment. lookup is normally os.LookupEnv.
func (c *VisionConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvMulticastIP); ok && v != "" {
		c.MulticastIP = ptrString(v)
	}
	if v, ok := lookup(EnvVisionPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvVisionPort, v, err)
		}
		c.VisionPort = ptrInt(port)
	}
	if v, ok := lookup(EnvTeamSide); ok && v != "" {
		c.TeamSide = ptrString(v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *VisionConfig) Validate() error {
	if c.MulticastIP != nil {
		ip := net.ParseIP(*c.MulticastIP)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return fmt.Errorf("multicast_ip must be an IPv4 multicast address, got %q", *c.MulticastIP)
		}
	}
	if c.VisionPort != nil && (*c.VisionPort <= 0 || *c.VisionPort > 65535) {
		return fmt.Errorf("vision_port must be between 1 and 65535, got %d", *c.VisionPort)
	}
	if c.RcvBufBytes != nil && *c.RcvBufBytes < 0 {
		return fmt.Errorf("rcvbuf_bytes must be non-negative, got %d", *c.RcvBufBytes)
	}
	if c.BufferSize != nil && *c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", *c.BufferSize)
	}
	if c.ReadTimeout != nil && *c.ReadTimeout != "" {
		d, err := time.ParseDuration(*c.ReadTimeout)
		if err != nil {
			return fmt.Errorf("invalid read_timeout '%s': %w", *c.ReadTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("read_timeout must be positive, got %s", d)
		}
	}
	if c.TeamSide != nil {
		if _, err := vision.ParseTeamSide(*c.TeamSide); err != nil {
			return err
		}
	}
	if (c.FieldWidth == nil) != (c.FieldHeight == nil) {
		return fmt.Errorf("field_width and field_height must be set together")
	}
	if c.FieldWidth != nil {
		if err := (vision.FieldSize{Width: *c.FieldWidth, Height: *c.FieldHeight}).Validate(); err != nil {
			return err
		}
	}
	if c.ForwardAddr != nil && *c.ForwardAddr != "" {
		if _, _, err := net.SplitHostPort(*c.ForwardAddr); err != nil {
			return fmt.Errorf("invalid forward_addr '%s': %w", *c.ForwardAddr, err)
		}
	}
	return nil
}

// GetMulticastIP returns the multicast group or the default.
func (c *VisionConfig) GetMulticastIP() string {
	if c.MulticastIP == nil || *c.MulticastIP == "" {
		return DefaultMulticastIP
	}
	return *c.MulticastIP
}

// GetVisionPort returns the vision port or the default.
func (c *VisionConfig) GetVisionPort() int {
	if c.VisionPort == nil {
		return DefaultVisionPort
	}
	return *c.VisionPort
}

// GetInterface returns the interface name for group membership, empty for
// the system default.
func (c *VisionConfig) GetInterface() string {
	if c.Interface == nil {
		return ""
	}
	return *c.Interface
}

// GetRcvBufBytes returns the OS receive buffer size, 0 for the system default.
func (c *VisionConfig) GetRcvBufBytes() int {
	if c.RcvBufBytes == nil {
		return 0
	}
	return *c.RcvBufBytes
}

// GetBufferSize returns the datagram buffer size or the default.
func (c *VisionConfig) GetBufferSize() int {
	if c.BufferSize == nil {
		return DefaultBufferSize
	}
	return *c.BufferSize
}

// GetReadTimeout parses and returns the ReadTimeout as a time.Duration.
func (c *VisionConfig) GetReadTimeout() time.Duration {
	if c.ReadTimeout == nil || *c.ReadTimeout == "" {
		return DefaultReadTimeout
	}
	d, err := time.ParseDuration(*c.ReadTimeout)
	if err != nil || d <= 0 {
		return DefaultReadTimeout
	}
	return d
}

// GetTeamSide returns the configured side of our goal, left by default.
func (c *VisionConfig) GetTeamSide() vision.TeamSide {
	if c.TeamSide == nil {
		return vision.SideLeft
	}
	side, err := vision.ParseTeamSide(*c.TeamSide)
	if err != nil {
		return vision.SideLeft
	}
	return side
}

// GetFieldSize returns the configured field size. ok is false when the
// config leaves it to the geometry packets.
func (c *VisionConfig) GetFieldSize() (size vision.FieldSize, ok bool) {
	if c.FieldWidth == nil || c.FieldHeight == nil {
		return DefaultFieldSize, false
	}
	return vision.FieldSize{Width: *c.FieldWidth, Height: *c.FieldHeight}, true
}

// GetKeepLastBall returns whether a missing ball keeps its last position.
func (c *VisionConfig) GetKeepLastBall() bool {
	if c.KeepLastBall == nil {
		return false
	}
	return *c.KeepLastBall
}

// GetForwardAddr returns the datagram relay address, empty when disabled.
func (c *VisionConfig) GetForwardAddr() string {
	if c.ForwardAddr == nil {
		return ""
	}
	return *c.ForwardAddr
}

// GetListenAddr returns the HTTP listen address or the default.
func (c *VisionConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return DefaultListenAddr
	}
	return *c.ListenAddr
}
