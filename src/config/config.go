package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/braidnetworks/braid/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private identity key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger peer database
	DefaultBadgerFile = "badger_db"

	// DefaultRecordFile is the default name of the transport event log
	// written when recording is enabled.
	DefaultRecordFile = "events.log"

	// DefaultCertFile is the default name of the file containing the TLS
	// certificate for connecting to the signaling server.
	DefaultCertFile = "cert.pem"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultBindAddr         = "127.0.0.1:1337"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultHeartbeatTimeout = 500 * time.Millisecond
	DefaultTCPTimeout       = 1000 * time.Millisecond
	DefaultMaxConns         = 64
	DefaultStore            = false
	DefaultAuthPolicy       = "both"
	DefaultWebRTC           = false
	DefaultSignalAddr       = "127.0.0.1:2443"
	DefaultSignalRealm      = "main"
	DefaultSignalSkipVerify = false
	DefaultICEAddress       = "stun:stun.l.google.com:19302"
	DefaultICEUsername      = ""
	DefaultICEPassword      = ""
)

// Config contains all the configuration properties of a Braid node.
type Config struct {
	// DataDir is the top-level directory containing Braid configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node listens for peer
	// connections.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NetworkKey is the hex-encoded pre-shared key gating access to the
	// network. Required unless AuthPolicy is identity-only.
	NetworkKey string `mapstructure:"network-key"`

	// AuthPolicy selects the handshake authentication mechanisms: "both",
	// "network-key-only", or "identity-only".
	AuthPolicy string `mapstructure:"auth-policy"`

	// Seeds are the multiaddresses dialed at startup to join the network.
	Seeds []string `mapstructure:"seeds"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// HeartbeatTimeout is the period of the dispatch loop's tick timer.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// TCPTimeout is the timeout of dials and frame writes. It also applies
	// to WebRTC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// MaxConns bounds the connection table.
	MaxConns int `mapstructure:"max-conns"`

	// Store activates the persistent peer database.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Record activates the transport event recorder; the log is written to
	// RecordFile.
	Record bool `mapstructure:"record"`

	// RecordFile is the path of the transport event log.
	RecordFile string `mapstructure:"record-file"`

	// ReplayFile, when set, puts the node in replay mode: the recorded log at
	// this path drives the dispatch loop in place of live I/O.
	ReplayFile string `mapstructure:"replay-file"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// WebRTC determines whether to use a WebRTC transport. WebRTC relies on
	// a signaling server whose address is specified by SignalAddr. When
	// WebRTC is enabled, BindAddr and AdvertiseAddr are ignored.
	WebRTC bool `mapstructure:"webrtc"`

	// SignalAddr is the IP:PORT of the WebRTC signaling server. It is
	// ignored when WebRTC is not enabled.
	SignalAddr string `mapstructure:"signal-addr"`

	// SignalRealm is an administrative domain within the WebRTC signaling
	// server. Signaling messages are only routed within a Realm.
	SignalRealm string `mapstructure:"signal-realm"`

	// SignalSkipVerify controls whether the signal client verifies the
	// server's certificate chain and host name. Testing only.
	SignalSkipVerify bool `mapstructure:"signal-skip-verify"`

	// ICEAddress is the URI of a server providing services for ICE, such as
	// STUN and TURN.
	ICEAddress string `mapstructure:"ice-addr"`

	// ICEUsername is the username that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEUsername string `mapstructure:"ice-username"`

	// ICEPassword is the password that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEPassword string `mapstructure:"ice-password"`

	// Key is the private identity key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		BindAddr:         DefaultBindAddr,
		ServiceAddr:      DefaultServiceAddr,
		AuthPolicy:       DefaultAuthPolicy,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		TCPTimeout:       DefaultTCPTimeout,
		MaxConns:         DefaultMaxConns,
		Store:            DefaultStore,
		DatabaseDir:      DefaultDatabaseDir(),
		WebRTC:           DefaultWebRTC,
		SignalAddr:       DefaultSignalAddr,
		SignalRealm:      DefaultSignalRealm,
		SignalSkipVerify: DefaultSignalSkipVerify,
		ICEAddress:       DefaultICEAddress,
		ICEUsername:      DefaultICEUsername,
		ICEPassword:      DefaultICEPassword,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level Braid directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
	if c.RecordFile == "" {
		c.RecordFile = filepath.Join(dataDir, DefaultRecordFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// CertFile returns the full path of the file containing the signal-server TLS
// certificate.
func (c *Config) CertFile() string {
	return filepath.Join(c.DataDir, DefaultCertFile)
}

// ICEServers returns a list of ICE servers used by the WebRTCStreamLayer to
// connect to peers. The list contains a single item which is based on the
// configuration passed through the config object.
func (c *Config) ICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs:           []string{c.ICEAddress},
			Username:       c.ICEUsername,
			Credential:     c.ICEPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		},
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "braid".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "braid")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level Braid config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Braid")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Braid")
		} else {
			return filepath.Join(home, ".braid")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

// DefaultICEServers returns the default ICE configuration with one URL
// pointing to a public Google STUN server.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{DefaultICEAddress},
		},
	}
}
