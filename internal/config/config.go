// Package config resolves kiln settings from defaults, an optional YAML file
// and KILN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cochaviz/kiln/internal/faults"
)

const (
	// EnvPrefix is prepended to every environment override, e.g.
	// KILN_CACHE_ROOT for cache.root.
	EnvPrefix = "KILN"
	// DefaultConfigFile is read when no explicit file is given and it exists.
	DefaultConfigFile = "/etc/kiln/config.yaml"
)

// Config is the fully resolved configuration.
type Config struct {
	Cache       CacheConfig     `mapstructure:"cache"`
	Lifecycle   LifecycleConfig `mapstructure:"lifecycle"`
	Build       BuildConfig     `mapstructure:"build"`
	Credentials Credentials     `mapstructure:"credentials"`
	S3          S3Config        `mapstructure:"s3"`
	Paths       Paths           `mapstructure:"paths"`
}

// CacheConfig controls the shared object cache.
type CacheConfig struct {
	Root           string        `mapstructure:"root"`
	IndexName      string        `mapstructure:"index_name"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PendingCeiling time.Duration `mapstructure:"pending_ceiling"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	UseVolumes     bool          `mapstructure:"use_volumes"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LifecycleConfig controls the remote backend and its readiness polling.
type LifecycleConfig struct {
	ConnectURI        string        `mapstructure:"connect_uri"`
	ImagePool         string        `mapstructure:"image_pool"`
	VolumePool        string        `mapstructure:"volume_pool"`
	PoolDir           string        `mapstructure:"pool_dir"`
	Network           string        `mapstructure:"network"`
	Bridge            string        `mapstructure:"bridge"`
	UserDataURL       string        `mapstructure:"user_data_url"`
	DirectBoot        bool          `mapstructure:"direct_boot"`
	Floppy            bool          `mapstructure:"floppy"`
	MemoryMB          int           `mapstructure:"memory_mb"`
	VCPUs             int           `mapstructure:"vcpus"`
	ReadyInterval     time.Duration `mapstructure:"ready_interval"`
	ReadyCeiling      time.Duration `mapstructure:"ready_ceiling"`
	TerminateInterval time.Duration `mapstructure:"terminate_interval"`
	TerminateCeiling  time.Duration `mapstructure:"terminate_ceiling"`
	AddressTimeout    time.Duration `mapstructure:"address_timeout"`
}

// BuildConfig controls the orchestrator.
type BuildConfig struct {
	InactivityBudget int           `mapstructure:"inactivity_budget"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPolls         int           `mapstructure:"max_polls"`
	DiskSizeGB       int           `mapstructure:"disk_size_gb"`
	Flavor           string        `mapstructure:"flavor"`
	WorkDir          string        `mapstructure:"work_dir"`
	RecordDir        string        `mapstructure:"record_dir"`
	ArtifactDir      string        `mapstructure:"artifact_dir"`
}

// Credentials are handed to the remote backend. For libvirt only AuthURL,
// used as the connection URI override, is consulted.
type Credentials struct {
	AuthURL  string `mapstructure:"auth_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Tenant   string `mapstructure:"tenant"`
	ImageURL string `mapstructure:"image_url"`
}

// S3Config configures the s3:// install media fetcher.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

// Paths locates host tooling and boot assets.
type Paths struct {
	SyslinuxMBR string `mapstructure:"syslinux_mbr"`
	ISOTool     string `mapstructure:"iso_tool"`
	QemuImg     string `mapstructure:"qemu_img"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Cache: CacheConfig{
			Root:           "/var/lib/kiln/cache",
			IndexName:      "_cache_index",
			PollInterval:   10 * time.Second,
			PendingCeiling: time.Hour,
			LeaseTTL:       5 * time.Minute,
			UseVolumes:     true,
			ConnectTimeout: 15 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			ConnectURI:        "qemu:///system",
			ImagePool:         "kiln-images",
			VolumePool:        "kiln-volumes",
			PoolDir:           "/var/lib/kiln/pools",
			Network:           "default",
			UserDataURL:       "http://169.254.169.254/latest/user-data",
			MemoryMB:          2048,
			VCPUs:             2,
			ReadyInterval:     2 * time.Second,
			ReadyCeiling:      2 * time.Hour,
			TerminateInterval: 5 * time.Second,
			TerminateCeiling:  10 * time.Minute,
			AddressTimeout:    3 * time.Minute,
		},
		Build: BuildConfig{
			InactivityBudget: 6,
			PollInterval:     10 * time.Second,
			MaxPolls:         1200,
			DiskSizeGB:       10,
			Flavor:           "2",
			WorkDir:          "/var/lib/kiln/work",
			RecordDir:        "/var/lib/kiln/builds",
			ArtifactDir:      "/var/lib/kiln/artifacts",
		},
		Paths: Paths{
			SyslinuxMBR: "/usr/share/syslinux/mbr.bin",
			ISOTool:     "genisoimage",
			QemuImg:     "qemu-img",
		},
	}
}

// envAliases binds OpenStack-style variables next to the KILN_* names.
var envAliases = map[string][]string{
	"credentials.auth_url":  {"KILN_CREDENTIALS_AUTH_URL", "OS_AUTH_URL"},
	"credentials.username":  {"KILN_CREDENTIALS_USERNAME", "OS_USERNAME"},
	"credentials.password":  {"KILN_CREDENTIALS_PASSWORD", "OS_PASSWORD"},
	"credentials.tenant":    {"KILN_CREDENTIALS_TENANT", "OS_TENANT_NAME"},
	"credentials.image_url": {"KILN_CREDENTIALS_IMAGE_URL", "OS_IMAGE_URL"},
	"s3.access_key":         {"KILN_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID"},
	"s3.secret_key":         {"KILN_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"},
}

// NewViper returns a viper instance carrying every default and env binding.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		// BindEnv only fails without a key.
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("cache.root", d.Cache.Root)
	v.SetDefault("cache.index_name", d.Cache.IndexName)
	v.SetDefault("cache.poll_interval", d.Cache.PollInterval)
	v.SetDefault("cache.pending_ceiling", d.Cache.PendingCeiling)
	v.SetDefault("cache.lease_ttl", d.Cache.LeaseTTL)
	v.SetDefault("cache.use_volumes", d.Cache.UseVolumes)
	v.SetDefault("cache.connect_timeout", d.Cache.ConnectTimeout)

	v.SetDefault("lifecycle.connect_uri", d.Lifecycle.ConnectURI)
	v.SetDefault("lifecycle.image_pool", d.Lifecycle.ImagePool)
	v.SetDefault("lifecycle.volume_pool", d.Lifecycle.VolumePool)
	v.SetDefault("lifecycle.pool_dir", d.Lifecycle.PoolDir)
	v.SetDefault("lifecycle.network", d.Lifecycle.Network)
	v.SetDefault("lifecycle.bridge", d.Lifecycle.Bridge)
	v.SetDefault("lifecycle.user_data_url", d.Lifecycle.UserDataURL)
	v.SetDefault("lifecycle.direct_boot", d.Lifecycle.DirectBoot)
	v.SetDefault("lifecycle.floppy", d.Lifecycle.Floppy)
	v.SetDefault("lifecycle.memory_mb", d.Lifecycle.MemoryMB)
	v.SetDefault("lifecycle.vcpus", d.Lifecycle.VCPUs)
	v.SetDefault("lifecycle.ready_interval", d.Lifecycle.ReadyInterval)
	v.SetDefault("lifecycle.ready_ceiling", d.Lifecycle.ReadyCeiling)
	v.SetDefault("lifecycle.terminate_interval", d.Lifecycle.TerminateInterval)
	v.SetDefault("lifecycle.terminate_ceiling", d.Lifecycle.TerminateCeiling)
	v.SetDefault("lifecycle.address_timeout", d.Lifecycle.AddressTimeout)

	v.SetDefault("build.inactivity_budget", d.Build.InactivityBudget)
	v.SetDefault("build.poll_interval", d.Build.PollInterval)
	v.SetDefault("build.max_polls", d.Build.MaxPolls)
	v.SetDefault("build.disk_size_gb", d.Build.DiskSizeGB)
	v.SetDefault("build.flavor", d.Build.Flavor)
	v.SetDefault("build.work_dir", d.Build.WorkDir)
	v.SetDefault("build.record_dir", d.Build.RecordDir)
	v.SetDefault("build.artifact_dir", d.Build.ArtifactDir)

	v.SetDefault("credentials.auth_url", "")
	v.SetDefault("credentials.username", "")
	v.SetDefault("credentials.password", "")
	v.SetDefault("credentials.tenant", "")
	v.SetDefault("credentials.image_url", "")

	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.access_key", d.S3.AccessKey)
	v.SetDefault("s3.secret_key", d.S3.SecretKey)
	v.SetDefault("s3.path_style", d.S3.PathStyle)

	v.SetDefault("paths.syslinux_mbr", d.Paths.SyslinuxMBR)
	v.SetDefault("paths.iso_tool", d.Paths.ISOTool)
	v.SetDefault("paths.qemu_img", d.Paths.QemuImg)
}

// Load reads path (or DefaultConfigFile when path is empty and the file
// exists) into v and returns the validated result.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("stat config file %s: %w", DefaultConfigFile, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, faults.Validationf("%s must be positive, got %s", name, d))
		}
	}

	if strings.TrimSpace(c.Cache.Root) == "" {
		errs = append(errs, faults.Validation("cache.root is required"))
	}
	if strings.TrimSpace(c.Cache.IndexName) == "" {
		errs = append(errs, faults.Validation("cache.index_name is required"))
	}
	positive("cache.poll_interval", c.Cache.PollInterval)
	positive("cache.pending_ceiling", c.Cache.PendingCeiling)
	positive("cache.lease_ttl", c.Cache.LeaseTTL)
	positive("lifecycle.ready_interval", c.Lifecycle.ReadyInterval)
	positive("lifecycle.ready_ceiling", c.Lifecycle.ReadyCeiling)
	positive("lifecycle.terminate_interval", c.Lifecycle.TerminateInterval)
	positive("lifecycle.terminate_ceiling", c.Lifecycle.TerminateCeiling)
	positive("lifecycle.address_timeout", c.Lifecycle.AddressTimeout)
	positive("build.poll_interval", c.Build.PollInterval)

	if c.Build.InactivityBudget < 1 {
		errs = append(errs, faults.Validationf("build.inactivity_budget must be at least 1, got %d", c.Build.InactivityBudget))
	}
	if c.Build.MaxPolls <= c.Build.InactivityBudget {
		errs = append(errs, faults.Validationf("build.max_polls (%d) must exceed build.inactivity_budget (%d)", c.Build.MaxPolls, c.Build.InactivityBudget))
	}
	if c.Build.DiskSizeGB < 1 {
		errs = append(errs, faults.Validationf("build.disk_size_gb must be at least 1, got %d", c.Build.DiskSizeGB))
	}
	if strings.TrimSpace(c.Lifecycle.ConnectURI) == "" && strings.TrimSpace(c.Credentials.AuthURL) == "" {
		errs = append(errs, faults.Validation("lifecycle.connect_uri is required"))
	}

	return errors.Join(errs...)
}

// ConnectURI prefers the credential endpoint over the configured URI.
func (c Config) ConnectURI() string {
	if uri := strings.TrimSpace(c.Credentials.AuthURL); uri != "" {
		return uri
	}
	return c.Lifecycle.ConnectURI
}
