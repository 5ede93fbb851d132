/*
Package config provides comprehensive configuration management for FuseCache with multi-source support.

This package implements a hierarchical configuration system that supports YAML files, environment
variables, and runtime overrides. It provides validation and typed settings for all
FuseCache components; configuration is read when loaded and is not reloaded afterwards.

# Configuration Architecture

Multi-source configuration hierarchy with precedence:

	┌─────────────────────────────────────────────┐
	│          Runtime Overrides                 │ ← Highest Priority
	│        (CLI args, API calls)               │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│           (FUSECACHE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)              │
	└─────────────────────────────────────────────┘

# Configuration Structure

Comprehensive configuration sections:

Global Settings:
- Logging configuration (level, file, format)
- Service ports (metrics, health, profiling)
- Runtime behavior settings

Performance Settings:
- Cache sizes and policies
- Concurrency limits
- Buffer configurations
- Compression settings

Network Configuration:
- Timeout settings
- Retry policies
- Circuit breaker parameters
- Connection pool settings

Security Configuration:
- TLS settings
- Encryption parameters
- Authentication configuration
- Access control settings

Monitoring Configuration:
- Metrics collection settings
- Health check parameters
- Logging configuration
- Alert thresholds

Feature Flags:
- Experimental feature toggles
- Performance optimization flags
- Compatibility settings
- Debug features

# Usage Examples

Loading configuration:

	// Create with defaults
	config := config.NewDefault()

	// Load from file
	if err := config.LoadFromFile("/etc/fusecache/config.yaml"); err != nil {
		log.Fatal(err)
	}

	// Load environment variables
	if err := config.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}

	// Apply command-line overrides
	config.Performance.CacheSize = "4GB"
	config.Global.LogLevel = "DEBUG"

	// Validate final configuration
	if err := config.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	# FuseCache Configuration
	global:
	  log_level: INFO
	  log_file: "/var/log/fusecache.log"
	  metrics_port: 8080
	  health_port: 8081
	  profile_port: 6060

	performance:
	  cache_size: "2GB"
	  write_buffer_size: "16MB"
	  max_concurrency: 150
	  read_ahead_size: "64MB"
	  compression_enabled: true
	  connection_pool_size: 8

	cache:
	  ttl: 5m
	  max_entries: 100000
	  eviction_policy: "weighted_lru"
	  persistent_cache:
	    enabled: false
	    directory: "/var/cache/fusecache"
	    max_size: "10GB"

Environment variable mapping:

	# Global settings
	FUSECACHE_LOG_LEVEL="DEBUG"
	FUSECACHE_LOG_FILE="/var/log/fusecache.log"
	FUSECACHE_METRICS_PORT="9090"

	# Performance settings
	FUSECACHE_CACHE_SIZE="4GB"
	FUSECACHE_MAX_CONCURRENCY="200"
	FUSECACHE_COMPRESSION_ENABLED="true"

	# Feature flags
	FUSECACHE_PREFETCHING="true"
	FUSECACHE_BATCH_OPERATIONS="true"
	FUSECACHE_OFFLINE_MODE="false"

# Validation System

Configuration.Validate returns the first problem it finds:

- performance.max_concurrency and performance.connection_pool_size must be greater than 0
- global.metrics_port and global.health_port must differ
- global.log_level must be exactly one of DEBUG, INFO, WARN, ERROR
- mount.remote_base_url must be an http:// or https:// URL with a host
- mount.mount_point and mount.cache_root must be non-empty
- mount.part_size and mount.block_size must parse as byte sizes

Other sections (cache, write buffer, network, security, monitoring,
features) are not checked.

# Reloading

There is no file watcher. A Configuration changes only when
LoadFromFile or LoadFromEnv is called on it again, or when a field is
set directly; components built from it keep the values they were
constructed with.

# Default Configuration

Sensible defaults for all environments:

Production Defaults:

	Global: {
		LogLevel:    "INFO",
		MetricsPort: 8080,
		HealthPort:  8081,
	},
	Performance: {
		CacheSize:         "2GB",
		MaxConcurrency:    150,
		CompressionEnabled: true,
		ConnectionPoolSize: 8,
	},
	Cache: {
		TTL:            5 * time.Minute,
		EvictionPolicy: "weighted_lru",
	}

Development overrides (set by hand; NewDefault has no development profile):

	Global: {
		LogLevel:    "DEBUG",
		ProfilePort: 6060, // pprof enabled
	},
	Performance: {
		CacheSize:      "512MB",
		MaxConcurrency: 50,
	},
	Features: {
		Prefetching: false, // Simpler debugging
	}

# Security Considerations

Secure configuration handling:

Credential Management:
- Environment variable preference for secrets
- File permission validation (0600 for config files)
- Credential masking in logs
- Secure default values

Path Validation:
- Directory traversal prevention
- Absolute path enforcement where required
- Permission checking for directories
- Safe temporary file handling

Access Control:
- Configuration file access restrictions
- Runtime modification controls
- Audit logging for configuration changes
- Role-based configuration sections

# Performance Tuning Profiles

Pre-configured performance profiles:

Low Latency Profile:

	performance:
	  cache_size: "1GB"
	  max_concurrency: 100
	  read_ahead_size: "32MB"
	  connection_pool_size: 4

High Throughput Profile:

	performance:
	  cache_size: "8GB"
	  max_concurrency: 300
	  read_ahead_size: "256MB"
	  connection_pool_size: 16

High Latency/Satellite Profile:

	performance:
	  cache_size: "16GB"
	  max_concurrency: 25
	  read_ahead_size: "1GB"
	  connection_pool_size: 2
	write_buffer:
	  flush_interval: 300s
	  max_memory: "1GB"

# Configuration Best Practices

Recommended configuration practices:

File Organization:
- Use versioned configuration files
- Separate environment-specific configs
- Document all custom settings
- Use configuration validation in CI/CD

Environment Variables:
- Prefer environment variables for secrets
- Use consistent naming conventions
- Document all supported variables
- Validate environment variable formats

Performance Tuning:
- Start with default settings
- Monitor resource usage
- Adjust based on workload characteristics
- Test configuration changes in staging

Security:
- Use restrictive file permissions (0600)
- Rotate credentials regularly
- Audit configuration changes
- Use encrypted storage for sensitive configs

This package provides the foundation for flexible, secure, and maintainable
configuration management across all FuseCache deployments.
*/
package config
