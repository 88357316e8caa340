package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"emperror.dev/errors"
	"github.com/asaskevich/govalidator"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"

	"github.com/opentuwa/mediagate/system"
)

const DefaultLocation = "/etc/mediagate/config.yml"

// SecretEnvironmentVariable overrides the token signing secret defined in the
// configuration file when set.
const SecretEnvironmentVariable = "MEDIAGATE_MEDIA_SECRET"

var ErrMissingSecret = errors.Sentinel("config: tokens.secret must be set")

var (
	mu      sync.RWMutex
	_config *Configuration
	_debug  bool
)

// Configuration is the root of the mediagate configuration file.
type Configuration struct {
	// The location from where this configuration instance was instantiated.
	path string

	// Determines if mediagate should be running in debug mode. This value is ignored
	// if the debug flag is passed through the command line arguments.
	Debug bool

	Api     ApiConfiguration     `json:"api" yaml:"api"`
	System  SystemConfiguration  `json:"system" yaml:"system"`
	Tokens  TokenConfiguration   `json:"tokens" yaml:"tokens"`
	Ledger  LedgerConfiguration  `json:"ledger" yaml:"ledger"`
	Session SessionConfiguration `json:"session" yaml:"session"`
	Remote  RemoteConfiguration  `json:"remote" yaml:"remote"`
	Policy  PolicyConfiguration  `json:"policy" yaml:"policy"`
	Metrics MetricsConfiguration `json:"metrics" yaml:"metrics"`
}

// ApiConfiguration defines the configuration for the public webserver.
type ApiConfiguration struct {
	// The interface that the webserver should bind to.
	Host string `default:"0.0.0.0" yaml:"host"`

	// The port that the webserver should bind to.
	Port int `default:"8080" yaml:"port"`

	// SSL configuration for the webserver.
	Ssl struct {
		Enabled         bool   `json:"enabled" yaml:"enabled"`
		CertificateFile string `json:"cert" yaml:"cert"`
		KeyFile         string `json:"key" yaml:"key"`
	} `yaml:"ssl"`

	// Proxies whose forwarding headers are trusted when determining the client
	// address. An empty list trusts nobody and uses the socket address.
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`

	// Headers consulted, in order, for the client address when the request
	// arrives from a trusted proxy.
	RemoteIPHeaders []string `default:"[\"CF-Connecting-IP\",\"X-Forwarded-For\"]" json:"remote_ip_headers" yaml:"remote_ip_headers"`
}

// SystemConfiguration defines filesystem locations used by the daemon.
type SystemConfiguration struct {
	// Directory where mediagate writes its own log files.
	LogDirectory string `default:"/var/log/mediagate" yaml:"log_directory"`

	// Directory holding the durable nonce ledger and TLS certificate cache.
	DataDirectory string `default:"/var/lib/mediagate" yaml:"data_directory"`

	// Directory that static application assets and the two entry documents
	// are served from.
	PublicDirectory string `default:"/var/www/mediagate" yaml:"public_directory"`
}

// TokenConfiguration controls capability token issuance.
type TokenConfiguration struct {
	// HMAC-SHA256 key used to sign media tokens.
	Secret string `json:"-" yaml:"secret"`

	// Lifetime of an issued token in seconds.
	TTL int `default:"60" yaml:"ttl"`

	// Number of random bytes in a token nonce.
	NonceBytes int `default:"12" yaml:"nonce_bytes"`

	// Sustained tokens per second a single client may request, and the burst
	// allowed above that rate.
	IssueRate  float64 `default:"5" yaml:"issue_rate"`
	IssueBurst int     `default:"20" yaml:"issue_burst"`
}

// LedgerConfiguration selects where consumed token nonces are tracked.
type LedgerConfiguration struct {
	// Either "memory" or "sqlite". The memory driver only protects a single
	// process; every instance behind a load balancer must share the sqlite
	// file or another atomic store.
	Driver string `default:"memory" yaml:"driver"`

	// Seconds a consumed nonce is retained before it may be pruned.
	Retention int `default:"600" yaml:"retention"`

	// Seconds between scheduled prune runs.
	PruneInterval int `default:"60" yaml:"prune_interval"`
}

// SessionConfiguration controls the premium session cookie.
type SessionConfiguration struct {
	CookieName string `default:"TUWA_PREMIUM" yaml:"cookie_name"`

	// HMAC key for the cookie value. Falls back to the token secret.
	Secret string `json:"-" yaml:"secret"`

	// Cookie lifetime in seconds.
	MaxAge int `default:"31536000" yaml:"max_age"`

	// Bearer token the identity service must present to /login. When empty
	// session establishment is disabled entirely.
	IssuerToken string `json:"-" yaml:"issuer_token"`

	// Operator override key accepted in the debug_key query parameter. When
	// empty the override is disabled.
	DebugOverrideKey string `json:"-" yaml:"debug_override_key"`
}

// OriginConfiguration maps a media type to its upstream location.
type OriginConfiguration struct {
	BaseURL string `yaml:"base_url"`

	// When non-empty, only filenames ending in one of these suffixes resolve.
	AllowedSuffixes []string `yaml:"allowed_suffixes"`
}

// RemoteConfiguration controls how the tunnel talks to origins.
type RemoteConfiguration struct {
	// Seconds before an upstream fetch is abandoned.
	Timeout int `default:"15" yaml:"timeout"`

	// Additional attempts made when an origin cannot be reached at all.
	Retries uint64 `default:"0" yaml:"retries"`

	// max-age applied to the private Cache-Control header of tunneled media.
	CacheMaxAge int `default:"86400" yaml:"cache_max_age"`

	// Caps the bytes per second written for a single tunneled response. Zero
	// disables the cap.
	StreamBytesPerSecond int64 `default:"0" yaml:"stream_bytes_per_second"`

	Origins map[string]OriginConfiguration `yaml:"origins"`
}

// PolicyConfiguration holds the path tables evaluated by the access policy.
type PolicyConfiguration struct {
	PremiumDocument string `default:"app.html" yaml:"premium_document"`
	GuestDocument   string `default:"landing.html" yaml:"guest_document"`

	GuestFiles        []string `yaml:"guest_files"`
	GuestPrefixes     []string `yaml:"guest_prefixes"`
	ProtectedPrefixes []string `yaml:"protected_prefixes"`
}

// MetricsConfiguration controls the Prometheus listener.
type MetricsConfiguration struct {
	Enabled bool   `default:"false" yaml:"enabled"`
	Bind    string `default:"127.0.0.1:9100" yaml:"bind"`
}

// NewAtPath creates a new struct and set the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	c.applyTableDefaults()
	c.path = path
	return &c, nil
}

// applyTableDefaults fills the slice and map values that cannot be expressed
// with struct tags.
func (c *Configuration) applyTableDefaults() {
	if len(c.Policy.GuestFiles) == 0 {
		c.Policy.GuestFiles = []string{
			"/assets/ui/web.png",
			"/assets/ui/web.ico",
			"/assets/ui/web_192.png",
			"/assets/ui/logo.png",
			"/functions/login-client.js",
			"/sw.js",
			"/assets/ui/err_9391za.html",
			"/assets/js/tuwa-hibernate.js",
			"/manifest.json",
		}
	}
	if len(c.Policy.GuestPrefixes) == 0 {
		c.Policy.GuestPrefixes = []string{"/login", "/login-google", "/auth/", "/api/config", "/dist/"}
	}
	if len(c.Policy.ProtectedPrefixes) == 0 {
		c.Policy.ProtectedPrefixes = []string{"/src", "/assets", "/functions", "/locales", "/styles"}
	}
	if c.Remote.Origins == nil {
		c.Remote.Origins = map[string]OriginConfiguration{}
	}
	if o, ok := c.Remote.Origins["data"]; ok && len(o.AllowedSuffixes) == 0 {
		o.AllowedSuffixes = []string{".json", ".xml"}
		c.Remote.Origins["data"] = o
	}
}

// Set the global configuration instance. This is a blocking operation such that
// anything trying to set a different configuration value, or read the configuration
// will be paused until it is complete.
func Set(c *Configuration) {
	mu.Lock()
	_config = c
	mu.Unlock()
}

// SetDebugViaFlag tracks if the application is running in debug mode because of
// a command line flag argument.
func SetDebugViaFlag(d bool) {
	mu.Lock()
	_config.Debug = d
	_debug = d
	mu.Unlock()
}

// Get returns the global configuration instance. This is a thread-safe operation
// that will block if the configuration is presently being modified.
//
// Be aware that a shallow copy is returned; slices and maps inside are shared
// with the global instance and must not be modified by the caller.
func Get() *Configuration {
	mu.RLock()
	defer mu.RUnlock()
	if _config == nil {
		return nil
	}
	c := *_config
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	callback(_config)
	mu.Unlock()
}

// GetPath returns the location of the configuration file.
func (c *Configuration) GetPath() string {
	return c.path
}

// Validate ensures the configuration can be used to run the tunnel. A missing
// signing secret is fatal since unsigned tokens must never be issued.
func (c *Configuration) Validate() error {
	if strings.TrimSpace(c.Tokens.Secret) == "" {
		return ErrMissingSecret
	}
	if c.Tokens.TTL <= 0 {
		return errors.New("config: tokens.ttl must be greater than zero")
	}
	if c.Tokens.NonceBytes < 12 {
		return errors.New("config: tokens.nonce_bytes must be at least 12")
	}
	switch c.Ledger.Driver {
	case "memory", "sqlite":
	default:
		return errors.Errorf("config: unknown ledger driver \"%s\"", c.Ledger.Driver)
	}
	for t, o := range c.Remote.Origins {
		if !govalidator.IsURL(o.BaseURL) {
			return errors.Errorf("config: origin \"%s\" has an invalid base_url", t)
		}
	}
	return nil
}

// WriteToDisk writes the configuration to the path it was created for. The
// file holds secrets, so it is only readable by its owner.
func (c *Configuration) WriteToDisk() error {
	if c.path == "" {
		return errors.New("config: cannot write configuration, no path defined in struct")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(c.path, b, 0o600))
}

// FromFile reads the configuration from the provided file and stores it in the
// global singleton for this instance.
func FromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := NewAtPath(path)
	if err != nil {
		return err
	}
	// Replace environment variables within the configuration file with their
	// values from the host system.
	b = []byte(os.ExpandEnv(string(b)))
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.WithStack(err)
	}
	c.applyTableDefaults()
	if v := os.Getenv(SecretEnvironmentVariable); v != "" {
		c.Tokens.Secret = v
	}
	c.Session.Secret = system.FirstNotEmpty(strings.TrimSpace(c.Session.Secret), c.Tokens.Secret)
	if err := c.Validate(); err != nil {
		return err
	}
	// Lets overwrite the debug value from the configuration with what was passed
	// through the command line arguments.
	if _debug {
		c.Debug = true
	}
	Set(c)
	return nil
}
