package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device struct {
		// Name is the root of the device's RPC tree and topics. Default "device".
		Name string `json:"name" yaml:"name"`

		// ClientID used for the upstream connection. Generated if empty.
		ClientID string `json:"client_id" yaml:"client_id"`
	} `json:"device" yaml:"device"`

	Broker struct {
		// Address of the upstream broker: tcp://, tls://, ws:// or wss://host[:port].
		Address string `json:"address" yaml:"address"`

		// Keep Alive sent in CONNECT, in s. Default 60.
		KeepAlive uint16 `json:"keep_alive" yaml:"keep_alive"`

		// QoS 1 unacknowledged message resend timeout in s. Default 20.
		ResendTimeout int64 `json:"resend_timeout" yaml:"resend_timeout"`

		// Time allowed for transport setup plus CONNACK, in s. Default 10.
		ConnectTimeout int64 `json:"connect_timeout" yaml:"connect_timeout"`

		// QoS 1 messages awaiting PUBACK. Each holds a pool slot. Default 2.
		InFlight int `json:"in_flight" yaml:"in_flight"`

		// Initial credentials. Credentials injected later (and persisted in
		// the store) take precedence.
		Username string `json:"username" yaml:"username"`
		Password string `json:"password" yaml:"password"`

		// Optional TLS material, PEM files. Used for tls:// and wss://.
		CA                 string `json:"ca" yaml:"ca"`
		InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
		keyPair            `yaml:",inline"`
	} `json:"broker" yaml:"broker"`

	// Link selects the network interface whose association gates connecting.
	// "any" (default) accepts any up, addressed, non loopback interface.
	// "static" treats the link as always associated.
	Link struct {
		Interface string `json:"interface" yaml:"interface"`
	} `json:"link" yaml:"link"`

	Pool struct {
		Size    int `json:"size" yaml:"size"`         // message slots, default MinPoolSize but at least 4
		BufSize int `json:"buf_size" yaml:"buf_size"` // bytes per slot, default 512
	} `json:"pool" yaml:"pool"`

	// Run loop tick, in ms. Default 10.
	PollInterval int64 `json:"poll_interval_ms" yaml:"poll_interval_ms"`

	Bridge Bridge `json:"bridge" yaml:"bridge"`

	// Store is the badger directory holding injected credentials.
	// If empty, credentials only live in memory.
	Store struct {
		Path string `json:"path" yaml:"path"`
	} `json:"store" yaml:"store"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" yaml:"file"`
		Level string `json:"level" yaml:"level"`
	} `json:"log" yaml:"log"`
}

type Bridge struct {
	// Mode is "", "single" or "multi". Empty disables bridging.
	Mode string `json:"mode" yaml:"mode"`

	// Name of the bridge node below the device root. Default "bridge".
	Name string `json:"name" yaml:"name"`

	// Capacity of the multi bridge remote node table. Default 8.
	Capacity int `json:"capacity" yaml:"capacity"`

	AllowGuests bool   `json:"allow_guests" yaml:"allow_guests"`
	Users       []User `json:"users" yaml:"users"`

	Listen Listen `json:"listen" yaml:"listen"`
}

// User is a peer allowed to attach to the bridge.
type User struct {
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password_hash" yaml:"password_hash"` // argon2id PHC string
	Node     string `json:"node" yaml:"node"`
}

// Listen holds the peer listener addresses, in the form "host:port".
// An empty address disables that listener.
type Listen struct {
	TCP struct {
		Address string `json:"address" yaml:"address"`
	} `json:"tcp" yaml:"tcp"`

	TLS struct {
		Address string `json:"address" yaml:"address"`
		keyPair `yaml:",inline"`
	} `json:"tls" yaml:"tls"`

	WS struct {
		Address     string `json:"address" yaml:"address"`
		CheckOrigin bool   `json:"check_origin" yaml:"check_origin"`
	} `json:"ws" yaml:"ws"`

	WSS struct {
		Address     string `json:"address" yaml:"address"`
		CheckOrigin bool   `json:"check_origin" yaml:"check_origin"`
		keyPair     `yaml:",inline"`
	} `json:"wss" yaml:"wss"`
}

type keyPair struct {
	Cert string `json:"cert" yaml:"cert"`
	Key  string `json:"key" yaml:"key"`
}

// New returns the configuration in fPath, or defaults if fPath is empty.
func New(fPath string) (*Config, error) {
	c := Config{}
	if fPath == "" {
		return &c, c.validate()
	}
	if err := c.LoadFromFile(fPath); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFromFile reads JSON, or YAML for .yaml/.yml files.
func (c *Config) LoadFromFile(fPath string) error {
	f, err := os.Open(fPath)
	if err != nil {
		return errors.Wrap(err, "error opening config file")
	}

	defer f.Close()

	switch strings.ToLower(filepath.Ext(fPath)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(c)
	default:
		err = json.NewDecoder(f).Decode(c)
	}
	if err != nil {
		return errors.Wrap(err, "error reading config file")
	}

	return c.validate()
}

func (c *Config) validate() error {
	if c.Device.Name == "" {
		c.Device.Name = "device"
	}
	if strings.ContainsAny(c.Device.Name, "/+#~") {
		return errors.New("device name must be a single topic level")
	}
	if c.Device.ClientID == "" {
		c.Device.ClientID = "gobridge-" + uuid.New().String()[:8]
	}

	if c.Broker.Address != "" && !strings.Contains(c.Broker.Address, "://") {
		c.Broker.Address = "tcp://" + c.Broker.Address // if just host[:port] specified
	}
	if c.Broker.Username == "" && c.Broker.Password != "" {
		return errors.New("broker password needs a username")
	}
	if (c.Broker.Cert == "") != (c.Broker.Key == "") {
		return errors.New("invalid broker client certificate and/or private key file path setup")
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 60
	}
	if c.Broker.ResendTimeout == 0 {
		c.Broker.ResendTimeout = 20
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = 10
	}

	if c.Broker.InFlight == 0 {
		c.Broker.InFlight = 2
	}
	if c.Broker.InFlight < 1 {
		return errors.New("broker in_flight must be at least 1")
	}

	if c.Link.Interface == "" {
		c.Link.Interface = "any"
	}

	if c.PollInterval <= 0 {
		c.PollInterval = 10
	}

	if err := c.Bridge.validate(); err != nil {
		return err
	}

	need := c.MinPoolSize()
	if c.Pool.Size == 0 {
		c.Pool.Size = 4
		if need > c.Pool.Size {
			c.Pool.Size = need
		}
	}
	if c.Pool.BufSize == 0 {
		c.Pool.BufSize = 512
	}
	if c.Pool.Size > 255 || c.Pool.BufSize < 16 {
		return errors.New("pool must have at most 255 slots of at least 16 bytes")
	}
	if c.Pool.Size < need {
		return errors.Errorf("pool size %d is below %d (receive, send, in flight and one per bridge peer)", c.Pool.Size, need)
	}
	return nil
}

// MinPoolSize is the slot count needed so that the upstream client, a
// full in-flight window and a packet from every bridge peer can coexist.
func (c *Config) MinPoolSize() int {
	return 2 + c.Broker.InFlight + c.Bridge.MaxPeers()
}

// MaxPeers is the number of concurrent peer connections the bridge serves.
// The extra connections are room for peers being refused.
func (b *Bridge) MaxPeers() int {
	switch b.Mode {
	case "single":
		return 2
	case "multi":
		return b.Capacity + 2
	}
	return 0
}

func (b *Bridge) validate() error {
	switch b.Mode {
	case "":
		return nil
	case "single", "multi":
	default:
		return errors.New("unknown bridge mode: " + b.Mode)
	}

	if b.Name == "" {
		b.Name = "bridge"
	}
	if b.Capacity == 0 {
		b.Capacity = 8
	}

	l := &b.Listen
	if l.TCP.Address == "" && l.TLS.Address == "" && l.WS.Address == "" && l.WSS.Address == "" {
		l.TCP.Address = ":1883"
	}
	if l.TCP.Address != "" && !strings.Contains(l.TCP.Address, ":") {
		l.TCP.Address += ":1883" // if just ip/host specified
	}

	if l.TLS.Address != "" {
		if l.TLS.Cert == "" || l.TLS.Key == "" {
			return errors.New("invalid TLS certificate and/or private key file path setup")
		}
		if !strings.Contains(l.TLS.Address, ":") {
			l.TLS.Address += ":8883"
		}
	}

	if l.WS.Address != "" && !strings.Contains(l.WS.Address, ":") {
		l.WS.Address += ":80"
	}

	if l.WSS.Address != "" {
		if l.WSS.Cert == "" || l.WSS.Key == "" {
			return errors.New("invalid TLS certificate and/or private key file path setup for Websocket Secure")
		}
		if !strings.Contains(l.WSS.Address, ":") {
			l.WSS.Address += ":443"
		}
	}

	for _, u := range b.Users {
		if u.ClientID == "" || u.Password == "" {
			return errors.New("bridge users need a client_id and password_hash")
		}
	}
	return nil
}

func (c *Config) Poll() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// ConfigureLogging applies the log section to the standard logger.
func (c *Config) ConfigureLogging() error {
	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	if c.Log.Level != "" {
		switch strings.ToLower(c.Log.Level) {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		default:
			return errors.New("unknown log level: " + c.Log.Level)
		}
	}
	return nil
}
