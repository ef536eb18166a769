// Copyright 2025 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"
	"github.com/sportselo/arena/flags"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the Arena server configuration, immutable after startup.
type Config interface {
	GetName() string
	GetDataDir() string
	GetLogger() *LoggerConfig
	GetSocket() *SocketConfig
	GetDatabase() *DatabaseConfig
	GetMatchmaker() *MatchmakerConfig
	GetMetrics() *MetricsConfig
	GetTicketStatus() *TicketStatusConfig
}

func ParseArgs(tmpLogger *zap.Logger, args []string) Config {
	// Parse once to pick up the config file paths, if any.
	filePathConfig := NewConfig(tmpLogger)
	filePathFlagSet := flag.NewFlagSet("arena", flag.ExitOnError)
	filePathFlagMaker := flags.NewFlagMakerFlagSet(&flags.FlagMakingOptions{
		UseLowerCase: true,
		Flatten:      false,
		TagName:      "yaml",
		TagUsage:     "usage",
	}, filePathFlagSet)
	if _, err := filePathFlagMaker.ParseArgs(filePathConfig, args[1:]); err != nil {
		tmpLogger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	mainConfig := NewConfig(tmpLogger)
	for _, path := range filePathConfig.Config {
		data, err := os.ReadFile(path)
		if err != nil {
			tmpLogger.Fatal("Could not read config file", zap.String("path", path), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, mainConfig); err != nil {
			tmpLogger.Fatal("Could not parse config file", zap.String("path", path), zap.Error(err))
		}
		mainConfig.Config = filePathConfig.Config
	}

	// Command line flags override the config file values.
	mainFlagSet := flag.NewFlagSet("arena", flag.ExitOnError)
	mainFlagMaker := flags.NewFlagMakerFlagSet(&flags.FlagMakingOptions{
		UseLowerCase: true,
		Flatten:      false,
		TagName:      "yaml",
		TagUsage:     "usage",
	}, mainFlagSet)
	if _, err := mainFlagMaker.ParseArgs(mainConfig, args[1:]); err != nil {
		tmpLogger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	// Fail fast on invalid values.
	mm := mainConfig.GetMatchmaker()
	if mm.TimeoutSec < 1 {
		tmpLogger.Fatal("Matchmaker timeout must be at least 1 second", zap.Int("matchmaker.timeout_sec", mm.TimeoutSec))
	}
	if mm.IntervalMs < 1 {
		tmpLogger.Fatal("Matchmaker interval must be at least 1 millisecond", zap.Int("matchmaker.interval_ms", mm.IntervalMs))
	}
	if mm.InitialThreshold < mm.MinThreshold {
		tmpLogger.Fatal("Matchmaker initial threshold cannot be below the minimum threshold",
			zap.Float64("matchmaker.initial_threshold", mm.InitialThreshold),
			zap.Float64("matchmaker.min_threshold", mm.MinThreshold))
	}
	if mm.DecayRatePerSec < 0 {
		tmpLogger.Fatal("Matchmaker decay rate cannot be negative", zap.Float64("matchmaker.decay_rate_per_sec", mm.DecayRatePerSec))
	}
	if mm.KFactor < 1 {
		tmpLogger.Fatal("Matchmaker K-factor must be at least 1", zap.Int("matchmaker.k_factor", mm.KFactor))
	}
	if mm.BaseSkillTolerance <= 0 {
		tmpLogger.Fatal("Matchmaker base skill tolerance must be positive", zap.Float64("matchmaker.base_skill_tolerance", mm.BaseSkillTolerance))
	}
	if mm.SkillRelaxRate < 0 {
		tmpLogger.Fatal("Matchmaker skill relax rate cannot be negative", zap.Float64("matchmaker.skill_relax_rate", mm.SkillRelaxRate))
	}
	if mm.CandidateLimit < 1 {
		tmpLogger.Fatal("Matchmaker candidate limit must be at least 1", zap.Int("matchmaker.candidate_limit", mm.CandidateLimit))
	}
	if mm.MaxStoreRetries < 1 {
		tmpLogger.Fatal("Matchmaker store retry count must be at least 1", zap.Int("matchmaker.max_store_retries", mm.MaxStoreRetries))
	}
	if mainConfig.GetSocket().Port < 1 || mainConfig.GetSocket().Port > 65535 {
		tmpLogger.Fatal("Socket port must be between 1 and 65535", zap.Int("socket.port", mainConfig.GetSocket().Port))
	}
	if len(mainConfig.GetDatabase().Addresses) < 1 {
		tmpLogger.Fatal("At least one database address must be specified")
	}
	if mainConfig.GetTicketStatus().EventQueueSize < 1 {
		tmpLogger.Fatal("Ticket status event queue size must be at least 1", zap.Int("ticket_status.event_queue_size", mainConfig.GetTicketStatus().EventQueueSize))
	}

	return mainConfig
}

type config struct {
	Name         string              `yaml:"name" json:"name" usage:"Arena server node name - must be unique."`
	Config       []string            `yaml:"config" json:"config" usage:"The absolute file path to configuration YAML file."`
	Datadir      string              `yaml:"data_dir" json:"data_dir" usage:"An absolute path to a writeable folder where Arena will store its data."`
	Logger       *LoggerConfig       `yaml:"logger" json:"logger" usage:"Logger level and output."`
	Socket       *SocketConfig       `yaml:"socket" json:"socket" usage:"Socket configuration."`
	Database     *DatabaseConfig     `yaml:"database" json:"database" usage:"Database connection settings."`
	Matchmaker   *MatchmakerConfig   `yaml:"matchmaker" json:"matchmaker" usage:"Matchmaker settings."`
	Metrics      *MetricsConfig      `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	TicketStatus *TicketStatusConfig `yaml:"ticket_status" json:"ticket_status" usage:"Ticket status event delivery settings."`
}

// NewConfig constructs a Config struct which represents server settings, and
// populates it with default values.
func NewConfig(logger *zap.Logger) *config {
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatal("Error getting current working directory", zap.Error(err))
	}
	u, err := uuid.NewV4()
	if err != nil {
		logger.Fatal("Error generating node name", zap.Error(err))
	}
	return &config{
		Name:         "arena-" + u.String()[:8],
		Datadir:      filepath.Join(cwd, "data"),
		Logger:       NewLoggerConfig(),
		Socket:       NewSocketConfig(),
		Database:     NewDatabaseConfig(),
		Matchmaker:   NewMatchmakerConfig(),
		Metrics:      NewMetricsConfig(),
		TicketStatus: NewTicketStatusConfig(),
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetDataDir() string {
	return c.Datadir
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetMatchmaker() *MatchmakerConfig {
	return c.Matchmaker
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetTicketStatus() *TicketStatusConfig {
	return c.TicketStatus
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though max_age may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Stackdriver'. Default is 'JSON'."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// SocketConfig is configuration relevant to the API server socket.
type SocketConfig struct {
	Address             string `yaml:"address" json:"address" usage:"The IP address of the interface to listen for client traffic on. Default listen on all available addresses/interfaces."`
	Port                int    `yaml:"port" json:"port" usage:"The port for accepting connections from clients, listening on all interfaces."`
	MaxRequestSizeBytes int64  `yaml:"max_request_size_bytes" json:"max_request_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per request."`
	ReadTimeoutMs       int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire request."`
	WriteTimeoutMs      int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the response. Must comfortably exceed the matchmaker timeout or event streams are cut short."`
	IdleTimeoutMs       int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Address:             "",
		Port:                7450,
		MaxRequestSizeBytes: 262144,
		ReadTimeoutMs:       10000,
		WriteTimeoutMs:      120000,
		IdleTimeoutMs:       60000,
	}
}

// DatabaseConfig is configuration relevant to the database storage.
type DatabaseConfig struct {
	Addresses         []string `yaml:"address" json:"address" usage:"List of database nodes to connect to. It should follow the form of username:password@address:port/dbname (postgres:// protocol is appended to the address automatically)"`
	ConnMaxLifetimeMs int      `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created."`
	MaxOpenConns      int      `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database."`
	MaxIdleConns      int      `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Addresses:         []string{"postgres@localhost:5432/arena"},
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// MatchmakerConfig is configuration relevant to the matchmaker engine and the
// rating calculator.
type MatchmakerConfig struct {
	TimeoutSec         int     `yaml:"timeout_sec" json:"timeout_sec" usage:"Seconds a ticket may wait before it expires."`
	IntervalMs         int     `yaml:"interval_ms" json:"interval_ms" usage:"Milliseconds between candidate scans for a waiting ticket."`
	InitialThreshold   float64 `yaml:"initial_threshold" json:"initial_threshold" usage:"Compatibility score required to accept a pairing at enqueue time."`
	MinThreshold       float64 `yaml:"min_threshold" json:"min_threshold" usage:"Floor the acceptance threshold never relaxes below."`
	DecayRatePerSec    float64 `yaml:"decay_rate_per_sec" json:"decay_rate_per_sec" usage:"Acceptance threshold decay per second of wait."`
	KFactor            int     `yaml:"k_factor" json:"k_factor" usage:"Elo K-factor applied to rating updates."`
	BaseSkillTolerance float64 `yaml:"base_skill_tolerance" json:"base_skill_tolerance" usage:"Rating gap in points treated as fully tolerable at enqueue time."`
	SkillRelaxRate     float64 `yaml:"skill_relax_rate" json:"skill_relax_rate" usage:"Rating tolerance points added per second of wait."`
	PreferencePenalty  float64 `yaml:"preference_penalty" json:"preference_penalty" usage:"Per-axis mismatch penalty applied to the preference affinity component."`
	CandidateLimit     int     `yaml:"candidate_limit" json:"candidate_limit" usage:"Maximum number of candidate tickets fetched per scan."`
	MaxStoreRetries    int     `yaml:"max_store_retries" json:"max_store_retries" usage:"Consecutive store failures tolerated before a ticket is expired."`
}

func NewMatchmakerConfig() *MatchmakerConfig {
	return &MatchmakerConfig{
		TimeoutSec:         60,
		IntervalMs:         2000,
		InitialThreshold:   8.0,
		MinThreshold:       3.0,
		DecayRatePerSec:    0.05,
		KFactor:            32,
		BaseSkillTolerance: 50,
		SkillRelaxRate:     5,
		PreferencePenalty:  2.5,
		CandidateLimit:     50,
		MaxStoreRetries:    3,
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prepend node name."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus. If '0' Prometheus exports are disabled."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'arena', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		PrometheusPort:   0,
		Prefix:           "arena",
	}
}

// TicketStatusConfig is configuration relevant to ticket status event
// delivery, including the optional Redis relay used to propagate transitions
// between server nodes.
type TicketStatusConfig struct {
	EventQueueSize int    `yaml:"event_queue_size" json:"event_queue_size" usage:"Size of the per-subscriber buffer of undelivered ticket status events."`
	RedisUri       string `yaml:"redis_uri" json:"redis_uri" usage:"Redis connection URI for the cross-node status relay. Overrides redis_addr when set."`
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr" usage:"Redis host:port for the cross-node status relay. If empty the relay is disabled."`
	RedisPassword  string `yaml:"redis_password" json:"redis_password" usage:"Redis password for the cross-node status relay."`
	RedisDb        int    `yaml:"redis_db" json:"redis_db" usage:"Redis database index for the cross-node status relay."`
	RedisChannel   string `yaml:"redis_channel" json:"redis_channel" usage:"Redis pub/sub channel name for ticket status events."`
}

func NewTicketStatusConfig() *TicketStatusConfig {
	return &TicketStatusConfig{
		EventQueueSize: 32,
		RedisUri:       "",
		RedisAddr:      "",
		RedisPassword:  "",
		RedisDb:        0,
		RedisChannel:   "arena:ticket:events",
	}
}
