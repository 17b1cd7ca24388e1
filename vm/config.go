package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds virtual memory subsystem configuration
type Config struct {
	// Frame Pool Configuration
	FramePoolSize uint32 `json:"frame_pool_size"` // Number of user frames
	Replacer      string `json:"replacer"`        // Eviction policy (clock, fifo)

	// Swap Configuration
	SwapDevice      string `json:"swap_device"`      // Backing device (memory, file, mmap)
	SwapPath        string `json:"swap_path"`        // Path for file and mmap devices
	SwapSectors     uint32 `json:"swap_sectors"`     // Swap size in 512-byte sectors
	SwapCompression string `json:"swap_compression"` // Slot compression (none, lz4, snappy)

	// Address Space Configuration
	StackLimit uint32 `json:"stack_limit"` // Maximum user stack size in bytes

	// Observability
	EnableMetrics bool   `json:"enable_metrics"` // Whether to log metrics on shutdown
	LogLevel      string `json:"log_level"`      // Log level (debug, info, warn, error)
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		FramePoolSize:   256,
		Replacer:        "clock",
		SwapDevice:      "memory",
		SwapPath:        "",
		SwapSectors:     8192, // 4 MiB, 1024 slots
		SwapCompression: "none",
		StackLimit:      DefaultStackLimit,
		EnableMetrics:   true,
		LogLevel:        "info",
	}
}

// LoadConfigFromFile loads configuration from a JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	err = json.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv loads configuration from environment variables
// Falls back to default values if environment variables are not set
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	// Frame pool
	if val := os.Getenv("HEXVM_FRAME_POOL_SIZE"); val != "" {
		if size, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.FramePoolSize = uint32(size)
		}
	}

	if val := os.Getenv("HEXVM_REPLACER"); val != "" {
		config.Replacer = val
	}

	// Swap
	if val := os.Getenv("HEXVM_SWAP_DEVICE"); val != "" {
		config.SwapDevice = val
	}

	if val := os.Getenv("HEXVM_SWAP_PATH"); val != "" {
		config.SwapPath = val
	}

	if val := os.Getenv("HEXVM_SWAP_SECTORS"); val != "" {
		if sectors, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.SwapSectors = uint32(sectors)
		}
	}

	if val := os.Getenv("HEXVM_SWAP_COMPRESSION"); val != "" {
		config.SwapCompression = val
	}

	// Stack
	if val := os.Getenv("HEXVM_STACK_LIMIT"); val != "" {
		if limit, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.StackLimit = uint32(limit)
		}
	}

	// Observability
	if val := os.Getenv("HEXVM_ENABLE_METRICS"); val != "" {
		config.EnableMetrics = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXVM_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	return config
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.FramePoolSize == 0 {
		return fmt.Errorf("frame pool size must be greater than 0")
	}

	switch c.Replacer {
	case "clock", "fifo":
	default:
		return fmt.Errorf("invalid replacer: %s (must be clock or fifo)", c.Replacer)
	}

	switch c.SwapDevice {
	case "memory":
	case "file", "mmap":
		if c.SwapPath == "" {
			return fmt.Errorf("swap path cannot be empty for %s swap device", c.SwapDevice)
		}
	default:
		return fmt.Errorf("invalid swap device: %s (must be memory, file, or mmap)", c.SwapDevice)
	}

	if c.SwapSectors%SectorsPerPage != 0 {
		return fmt.Errorf("swap sectors must be a multiple of %d", SectorsPerPage)
	}

	if _, err := ParseCompressionType(c.SwapCompression); err != nil {
		return err
	}

	if c.StackLimit == 0 {
		return fmt.Errorf("stack limit must be greater than 0")
	}

	if uintptr(c.StackLimit) > UserStack {
		return fmt.Errorf("stack limit must not exceed %d", UserStack)
	}

	if c.StackLimit%PageSize != 0 {
		return fmt.Errorf("stack limit must be a multiple of %d", PageSize)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	return &Config{
		FramePoolSize:   c.FramePoolSize,
		Replacer:        c.Replacer,
		SwapDevice:      c.SwapDevice,
		SwapPath:        c.SwapPath,
		SwapSectors:     c.SwapSectors,
		SwapCompression: c.SwapCompression,
		StackLimit:      c.StackLimit,
		EnableMetrics:   c.EnableMetrics,
		LogLevel:        c.LogLevel,
	}
}
