package app

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Configuration keys shared by flags, environment and config files.
const (
	KeyAddr             = "addr"
	KeyPath             = "path"
	KeyDB               = "db"
	KeyStore            = "store"
	KeyMongoURI         = "mongo.uri"
	KeyMongoDatabase    = "mongo.database"
	KeyUploadDir        = "upload_dir"
	KeyMaxFileSize      = "max_file_size"
	KeyMaxChunkSize     = "max_chunk_size"
	KeyBacklogLimit     = "backlog_limit"
	KeyUploadSessionTTL = "upload_session_ttl"
	KeyReapInterval     = "reap_interval"
	KeyRateMessages     = "rate_limit.messages"
	KeyRateRequests     = "rate_limit.requests"
	KeyRateWindow       = "rate_limit.window"
	KeyLogLevel         = "log_level"
	KeyLogFile          = "log_file"

	KeyServer            = "server"
	KeyUser              = "user"
	KeyIdentityFile      = "identity_file"
	KeyRoom              = "room"
	KeyChunkSize         = "chunk_size"
	KeyChunksPerSecond   = "chunks_per_second"
	KeyReconnectInterval = "reconnect_interval"
	KeyMaxReconnects     = "max_reconnects"

	EnvPrefix = "SYNCROOM"

	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	Path             string        `yaml:"path"`
	DBPath           string        `yaml:"db"`
	Store            string        `yaml:"store"`
	Mongo            MongoConfig   `yaml:"mongo"`
	UploadDir        string        `yaml:"upload_dir"`
	MaxFileSize      int64         `yaml:"max_file_size"`
	MaxChunkSize     int64         `yaml:"max_chunk_size"`
	BacklogLimit     int           `yaml:"backlog_limit"`
	UploadSessionTTL time.Duration `yaml:"upload_session_ttl"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	RateLimit        RateLimit     `yaml:"rate_limit"`
	LogLevel         string        `yaml:"log_level"`
	LogFile          string        `yaml:"log_file"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type RateLimit struct {
	Messages int           `yaml:"messages"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ClientConfig defines what the command line clients need.
type ClientConfig struct {
	ServerURL         string        `yaml:"server"`
	UserName          string        `yaml:"user"`
	IdentityFile      string        `yaml:"identity_file"`
	RoomID            int64         `yaml:"room"`
	ChunkSize         int64         `yaml:"chunk_size"`
	ChunksPerSecond   int           `yaml:"chunks_per_second"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	LogLevel          string        `yaml:"log_level"`
	LogFile           string        `yaml:"log_file"`
}

// SetDefaults registers every default and the environment binding on v.
func SetDefaults(v *viper.Viper) {
	dbPath := DefaultDBPath()
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyPath, "/synchronize")
	v.SetDefault(KeyDB, dbPath)
	v.SetDefault(KeyStore, StoreSQLite)
	v.SetDefault(KeyMongoURI, "mongodb://localhost:27017")
	v.SetDefault(KeyMongoDatabase, "syncroom")
	v.SetDefault(KeyUploadDir, "")
	v.SetDefault(KeyMaxFileSize, int64(1<<30))
	v.SetDefault(KeyMaxChunkSize, int64(8<<20))
	v.SetDefault(KeyBacklogLimit, 50)
	v.SetDefault(KeyUploadSessionTTL, 24*time.Hour)
	v.SetDefault(KeyReapInterval, 10*time.Minute)
	v.SetDefault(KeyRateMessages, 20)
	v.SetDefault(KeyRateRequests, 120)
	v.SetDefault(KeyRateWindow, 5*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")

	v.SetDefault(KeyServer, "ws://localhost:8080/synchronize")
	v.SetDefault(KeyUser, "")
	v.SetDefault(KeyIdentityFile, DefaultIdentityPath())
	v.SetDefault(KeyRoom, 0)
	v.SetDefault(KeyChunkSize, int64(1<<20))
	v.SetDefault(KeyChunksPerSecond, 0)
	v.SetDefault(KeyReconnectInterval, 2*time.Second)
	v.SetDefault(KeyMaxReconnects, 5)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadServerConfig reads the server settings from v and fills derived
// defaults.
func LoadServerConfig(v *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:             v.GetString(KeyAddr),
		Path:             NormalizeJoinPath(v.GetString(KeyPath)),
		DBPath:           v.GetString(KeyDB),
		Store:            strings.ToLower(v.GetString(KeyStore)),
		Mongo:            MongoConfig{URI: v.GetString(KeyMongoURI), Database: v.GetString(KeyMongoDatabase)},
		UploadDir:        v.GetString(KeyUploadDir),
		MaxFileSize:      v.GetInt64(KeyMaxFileSize),
		MaxChunkSize:     v.GetInt64(KeyMaxChunkSize),
		BacklogLimit:     v.GetInt(KeyBacklogLimit),
		UploadSessionTTL: v.GetDuration(KeyUploadSessionTTL),
		ReapInterval:     v.GetDuration(KeyReapInterval),
		RateLimit: RateLimit{
			Messages: v.GetInt(KeyRateMessages),
			Requests: v.GetInt(KeyRateRequests),
			Window:   v.GetDuration(KeyRateWindow),
		},
		LogLevel: v.GetString(KeyLogLevel),
		LogFile:  v.GetString(KeyLogFile),
	}
	if cfg.Store != StoreSQLite && cfg.Store != StoreMongo {
		return cfg, errors.Errorf("unknown store %q (want %s or %s)", cfg.Store, StoreSQLite, StoreMongo)
	}
	if cfg.Store == StoreSQLite && cfg.DBPath == "" {
		return cfg, errors.New("database path is required")
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir(cfg.DBPath)
	}
	if cfg.BacklogLimit <= 0 {
		return cfg, errors.Errorf("%s must be positive", KeyBacklogLimit)
	}
	if cfg.MaxChunkSize > cfg.MaxFileSize && cfg.MaxFileSize > 0 {
		cfg.MaxChunkSize = cfg.MaxFileSize
	}
	return cfg, nil
}

// LoadClientConfig reads the client settings from v.
func LoadClientConfig(v *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:         v.GetString(KeyServer),
		UserName:          v.GetString(KeyUser),
		IdentityFile:      v.GetString(KeyIdentityFile),
		RoomID:            v.GetInt64(KeyRoom),
		ChunkSize:         v.GetInt64(KeyChunkSize),
		ChunksPerSecond:   v.GetInt(KeyChunksPerSecond),
		ReconnectInterval: v.GetDuration(KeyReconnectInterval),
		MaxReconnects:     v.GetInt(KeyMaxReconnects),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFile:           v.GetString(KeyLogFile),
	}
	if cfg.ServerURL == "" {
		return cfg, errors.New("server URL is required")
	}
	return cfg, nil
}

// DumpYAML renders cfg the way a config file would carry it.
func DumpYAML(cfg any) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("SYNCROOM_DATA_DIR"); env != "" {
		return filepath.Join(env, "syncroom.db")
	}
	return filepath.Join(dataDir(), "syncroom.db")
}

// DefaultIdentityPath is where the client keeps its stable user uuid.
func DefaultIdentityPath() string {
	return filepath.Join(dataDir(), "identity.json")
}

// DefaultUploadDir places uploaded files next to the database.
func DefaultUploadDir(dbPath string) string {
	if dbPath == "" || strings.HasPrefix(dbPath, "file:") || strings.HasPrefix(dbPath, "sqlite://") || strings.HasPrefix(dbPath, ":memory:") {
		return filepath.Join(dataDir(), "files")
	}
	return filepath.Join(filepath.Dir(dbPath), "files")
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "syncroom")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Syncroom")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Syncroom")
		}
		return filepath.Join(home, ".local", "share", "syncroom")
	}
	return filepath.Join(".", ".syncroom")
}

// NormalizeJoinPath guarantees the websocket join path starts with '/' and
// falls back to /synchronize when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/synchronize"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
