// Package config provides XML-based configuration management for air-gapped deployment.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FileName is the configuration file looked up next to the binary.
const FileName = "RobotViewer.config"

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"RobotViewer"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Loading configuration
	Loading LoadingConfig `xml:"Loading"`

	// Observability configuration
	Observability ObservabilityConfig `xml:"Observability"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory"`
	UploadsDirectory string `xml:"UploadsDirectory"`
	TempDirectory    string `xml:"TempDirectory"`
	CatalogDirectory string `xml:"CatalogDirectory"`
	// LibraryDirectory holds robot documents served under /robots and
	// loadable by reference.
	LibraryDirectory string `xml:"LibraryDirectory"`
	EnableCatalog    bool   `xml:"EnableCatalog"`
}

// LoadingConfig contains robot loading settings
type LoadingConfig struct {
	TextureConcurrency     int `xml:"TextureConcurrency"`
	MaxLoads               int `xml:"MaxLoads"`
	LoadTimeoutMinutes     int `xml:"LoadTimeoutMinutes"`
	CleanupIntervalMinutes int `xml:"CleanupIntervalMinutes"`
	// NetworkFallbackBaseURL is the origin library documents are served
	// from; empty disables the resolver's network fallback.
	NetworkFallbackBaseURL string `xml:"NetworkFallbackBaseURL"`
	// PackageMapFile is an optional YAML file mapping ROS package names to
	// file set prefixes.
	PackageMapFile string `xml:"PackageMapFile"`
}

// ObservabilityConfig contains metrics and tracing settings
type ObservabilityConfig struct {
	EnableMetrics      bool    `xml:"EnableMetrics"`
	MetricsPath        string  `xml:"MetricsPath"`
	EnableTracing      bool    `xml:"EnableTracing"`
	TracingExporter    string  `xml:"TracingExporter"`
	TracingSampleRatio float64 `xml:"TracingSampleRatio"`
	ServiceName        string  `xml:"ServiceName"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel"`
	LogFormat               string `xml:"LogFormat"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	DuckDBThreads           int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit       string `xml:"DuckDBMemoryLimit"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "512M",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
			TempDirectory:    "./data/temp",
			CatalogDirectory: "./data/catalog",
			LibraryDirectory: "./robots",
			EnableCatalog:    true,
		},
		Loading: LoadingConfig{
			TextureConcurrency:     4,
			MaxLoads:               10,
			LoadTimeoutMinutes:     30,
			CleanupIntervalMinutes: 5,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:      true,
			MetricsPath:        "/metrics",
			EnableTracing:      false,
			TracingExporter:    "stdout",
			TracingSampleRatio: 1,
			ServiceName:        "robot-viewer",
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			LogFormat:               "text",
			EnableRequestLogging:    true,
			DuckDBThreads:           2,
			DuckDBMemoryLimit:       "256MB",
			WebSocketMaxMessageSize: 64,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	var config *AppConfig

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config = DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		config = DefaultConfig()
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Robot Viewer Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves every storage directory still at its default location
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		defaults := DefaultConfig().Storage
		if c.Storage.UploadsDirectory == defaults.UploadsDirectory {
			c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
		}
		if c.Storage.TempDirectory == defaults.TempDirectory {
			c.Storage.TempDirectory = filepath.Join(dataDir, "temp")
		}
		if c.Storage.CatalogDirectory == defaults.CatalogDirectory {
			c.Storage.CatalogDirectory = filepath.Join(dataDir, "catalog")
		}
		c.Storage.DataDirectory = dataDir
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}

	if lib := os.Getenv("ROBOT_LIBRARY_DIR"); lib != "" {
		c.Storage.LibraryDirectory = lib
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Storage.TempDirectory,
		&c.Storage.CatalogDirectory,
		&c.Storage.LibraryDirectory,
		&c.Loading.PackageMapFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// CleanupInterval returns how often finished loads and upload jobs are swept.
func (c *AppConfig) CleanupInterval() time.Duration {
	if c.Loading.CleanupIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Loading.CleanupIntervalMinutes) * time.Minute
}

// LoadMaxAge returns how long finished loads are kept.
func (c *AppConfig) LoadMaxAge() time.Duration {
	if c.Loading.LoadTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Loading.LoadTimeoutMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		c.Storage.TempDirectory,
		c.Storage.LibraryDirectory,
	}
	if c.Storage.EnableCatalog {
		dirs = append(dirs, c.Storage.CatalogDirectory)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
