package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/xtaci/qftp/compress"
	"github.com/xtaci/qftp/crypto"
	"github.com/xtaci/qftp/logging"
	"github.com/xtaci/qftp/protocol"
	"github.com/xtaci/qftp/storage"
)

// EnvPrefix is prepended to every environment override, e.g.
// QFTP_IDLE_TIMEOUT=30s.
const EnvPrefix = "QFTP"

// responseHeadroom is reserved in each frame for the response envelope, the
// AEAD overhead and codec framing on top of the file bytes of a Read.
const responseHeadroom = 4096

const defaultIdleTimeout = 300 * time.Second

// ByteSize accepts either a plain integer or a human string such as "16MiB".
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// MarshalYAML writes whole binary units ("16MiB") and falls back to a plain
// byte count, so a saved value always loads back unchanged.
func (b ByteSize) MarshalYAML() (any, error) {
	for _, unit := range []struct {
		size int64
		name string
	}{{humanize.GiByte, "GiB"}, {humanize.MiByte, "MiB"}, {humanize.KiByte, "KiB"}} {
		if b > 0 && int64(b)%unit.size == 0 {
			return fmt.Sprintf("%d%s", int64(b)/unit.size, unit.name), nil
		}
	}
	return int64(b), nil
}

// StorageConfig selects the file backend.
type StorageConfig struct {
	Backend string           `mapstructure:"backend" validate:"oneof=local s3" yaml:"backend"`
	S3      storage.S3Config `mapstructure:"s3" yaml:"s3"`
}

// Config is the complete server configuration.
type Config struct {
	ListenAddress string `mapstructure:"listen_address" validate:"required" yaml:"listen_address"`
	RootDirectory string `mapstructure:"root_directory" validate:"required" yaml:"root_directory"`

	MaxConnections int  `mapstructure:"max_connections" validate:"gt=0" yaml:"max_connections"`
	RejectWhenFull bool `mapstructure:"reject_when_full" yaml:"reject_when_full"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0" yaml:"handshake_timeout"`
	// IdleTimeout of zero disables the idle deadline.
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gte=0" yaml:"idle_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0" yaml:"write_timeout"`
	TCPKeepAlive    time.Duration `mapstructure:"tcp_keepalive" validate:"gte=0" yaml:"tcp_keepalive"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`

	MaxFrameSize ByteSize `mapstructure:"max_frame_size" validate:"gt=0" yaml:"max_frame_size"`
	MaxReadSize  ByteSize `mapstructure:"max_read_size" validate:"gt=0" yaml:"max_read_size"`

	CipherSuite string `mapstructure:"cipher_suite" yaml:"cipher_suite"`
	Compression string `mapstructure:"compression" yaml:"compression"`
	KDFInfo     string `mapstructure:"kdf_info" yaml:"kdf_info,omitempty"`

	Storage        StorageConfig  `mapstructure:"storage" yaml:"storage"`
	MetricsAddress string         `mapstructure:"metrics_address" yaml:"metrics_address,omitempty"`
	Logging        logging.Config `mapstructure:"logging" yaml:"logging"`
}

// DefaultConfig returns a configuration with every field populated.
func DefaultConfig() *Config {
	cfg := &Config{RejectWhenFull: true, IdleTimeout: defaultIdleTimeout}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields. RejectWhenFull and IdleTimeout have
// meaningful zero values, so they default through viper in Load instead.
func (c *Config) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "localhost:5555"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.RootDirectory == "" {
		// a bucket is served from its top level
		if c.Storage.Backend == "s3" {
			c.RootDirectory = "/"
		} else {
			c.RootDirectory = "/tmp"
		}
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 1024
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.MaxReadSize == 0 {
		c.MaxReadSize = c.MaxFrameSize - responseHeadroom
	}
	if c.CipherSuite == "" {
		c.CipherSuite = crypto.DefaultSuite().Name
	}
	if c.Compression == "" {
		c.Compression = compress.DefaultCodecName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks field constraints and the cross-field rules validator tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := crypto.LookupSuite(c.CipherSuite); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := compress.Lookup(c.Compression); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.MaxFrameSize <= responseHeadroom {
		return fmt.Errorf("invalid config: max_frame_size %s is too small", c.MaxFrameSize)
	}
	if c.MaxReadSize > c.MaxFrameSize-responseHeadroom {
		return fmt.Errorf("invalid config: max_read_size %s does not fit in max_frame_size %s", c.MaxReadSize, c.MaxFrameSize)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return errors.New("invalid config: storage.s3.bucket is required for the s3 backend")
	}
	return nil
}

// ChannelOptions resolves the configured primitives into channel options.
func (c *Config) ChannelOptions() (suite *crypto.Suite, codec compress.Codec, err error) {
	if suite, err = crypto.LookupSuite(c.CipherSuite); err != nil {
		return nil, nil, err
	}
	if codec, err = compress.Lookup(c.Compression); err != nil {
		return nil, nil, err
	}
	return suite, codec, nil
}

// Load reads configuration from path (optional), applies QFTP_* environment
// overrides, fills defaults and validates the result. A relative
// root_directory is resolved against the directory holding the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("reject_when_full", true)
	v.SetDefault("idle_timeout", defaultIdleTimeout)
	bindEnvKeys(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()

	if path != "" && cfg.Storage.Backend == "local" && !filepath.IsAbs(cfg.RootDirectory) {
		root, err := filepath.Abs(filepath.Join(filepath.Dir(path), cfg.RootDirectory))
		if err != nil {
			return nil, fmt.Errorf("root directory %s: %w", cfg.RootDirectory, err)
		}
		cfg.RootDirectory = root
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvKeys registers every leaf key so AutomaticEnv can see overrides for
// keys absent from the config file.
func bindEnvKeys(v *viper.Viper) {
	var walk func(prefix string, t reflect.Type)
	walk = func(prefix string, t reflect.Type) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			key := f.Tag.Get("mapstructure")
			if key == "" {
				continue
			}
			if prefix != "" {
				key = prefix + "." + key
			}
			if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
				walk(key, f.Type)
				continue
			}
			_ = v.BindEnv(key)
		}
	}
	walk("", reflect.TypeOf(Config{}))
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		n, err := humanize.ParseBytes(data.(string))
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", data, err)
		}
		return ByteSize(n), nil
	}
}

// SaveConfig writes cfg as YAML with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
