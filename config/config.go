package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config 配置结构体
type Config struct {
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	IGD       IGDConfig       `mapstructure:"igd"`
	NATPMP    NATPMPConfig    `mapstructure:"natpmp"`
	STUN      STUNConfig      `mapstructure:"stun"`
	Log       LogConfig       `mapstructure:"log"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// DiscoveryConfig 设备发现配置
type DiscoveryConfig struct {
	SearchInterval  time.Duration `mapstructure:"search_interval"`
	SearchWait      int           `mapstructure:"search_wait"`
	EvictionTimeout time.Duration `mapstructure:"eviction_timeout"`
	ReleaseTimeout  time.Duration `mapstructure:"release_timeout"`
}

// IGDConfig UPnP IGD 配置
type IGDConfig struct {
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	MappingDuration  time.Duration `mapstructure:"mapping_duration"`
}

// NATPMPConfig NAT-PMP 配置
type NATPMPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MappingLifetime time.Duration `mapstructure:"mapping_lifetime"`
}

// STUNConfig STUN 探测配置
type STUNConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Servers []string      `mapstructure:"servers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// AdminConfig 管理服务配置
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults() {
	// 设备发现默认值
	viper.SetDefault("discovery.search_interval", "30s")
	viper.SetDefault("discovery.search_wait", 3)
	viper.SetDefault("discovery.eviction_timeout", "90s")
	viper.SetDefault("discovery.release_timeout", "10s")

	// UPnP IGD 默认值
	viper.SetDefault("igd.discovery_timeout", "10s")
	viper.SetDefault("igd.mapping_duration", "1h")

	// NAT-PMP 默认值
	viper.SetDefault("natpmp.enabled", true)
	viper.SetDefault("natpmp.timeout", "5s")
	viper.SetDefault("natpmp.mapping_lifetime", "1h")

	// STUN 默认值
	viper.SetDefault("stun.enabled", true)
	viper.SetDefault("stun.servers", []string{})
	viper.SetDefault("stun.timeout", "5s")

	// 日志默认值
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.file", "")

	// 管理服务默认值
	viper.SetDefault("admin.enabled", true)
	viper.SetDefault("admin.host", "127.0.0.1")
	viper.SetDefault("admin.port", 8970)
	viper.SetDefault("admin.username", "admin")
	viper.SetDefault("admin.password", "admin")
}
