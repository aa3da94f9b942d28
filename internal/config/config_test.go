package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func TestDefaults(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	assert.Equal(t, "device", c.Device.Name)
	assert.True(t, strings.HasPrefix(c.Device.ClientID, "gobridge-"))
	assert.Len(t, c.Device.ClientID, len("gobridge-")+8)
	assert.Equal(t, uint16(60), c.Broker.KeepAlive)
	assert.Equal(t, int64(20), c.Broker.ResendTimeout)
	assert.Equal(t, "any", c.Link.Interface)
	assert.Equal(t, 4, c.Pool.Size)
	assert.Equal(t, 512, c.Pool.BufSize)
	assert.Equal(t, 2, c.Broker.InFlight)
	assert.Equal(t, 10*time.Millisecond, c.Poll())
	assert.Equal(t, "", c.Bridge.Mode)
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "gobridge.json", `{
		"device": {"name": "gw", "client_id": "gw-1"},
		"broker": {"address": "broker.local:1884", "keep_alive": 30, "cert": "c.pem", "key": "k.pem"},
		"bridge": {"mode": "multi", "listen": {"tcp": {"address": "0.0.0.0"}, "ws": {"address": "localhost"}}},
		"log": {"level": "debug"}
	}`)

	c, err := New(p)
	require.NoError(t, err)
	assert.Equal(t, "gw", c.Device.Name)
	assert.Equal(t, "gw-1", c.Device.ClientID)
	assert.Equal(t, "tcp://broker.local:1884", c.Broker.Address)
	assert.Equal(t, uint16(30), c.Broker.KeepAlive)
	assert.Equal(t, "c.pem", c.Broker.Cert)
	assert.Equal(t, "bridge", c.Bridge.Name)
	assert.Equal(t, 8, c.Bridge.Capacity)
	assert.Equal(t, 10, c.Bridge.MaxPeers())
	assert.Equal(t, 14, c.Pool.Size, "sized for the peers")
	assert.Equal(t, "0.0.0.0:1883", c.Bridge.Listen.TCP.Address)
	assert.Equal(t, "localhost:80", c.Bridge.Listen.WS.Address)
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "gobridge.yaml", `
device:
  name: gw
broker:
  address: wss://broker.example.com/mqtt
  ca: ca.pem
pool:
  size: 6
  buf_size: 1024
bridge:
  mode: single
  name: sensor
  users:
    - client_id: sensor-7
      username: s7
      password_hash: $argon2id$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA
  listen:
    tls:
      address: 0.0.0.0
      cert: srv.pem
      key: srv.key
`)

	c, err := New(p)
	require.NoError(t, err)
	assert.Equal(t, "wss://broker.example.com/mqtt", c.Broker.Address)
	assert.Equal(t, "ca.pem", c.Broker.CA)
	assert.Equal(t, 6, c.Pool.Size)
	assert.Equal(t, 1024, c.Pool.BufSize)
	assert.Equal(t, "sensor", c.Bridge.Name)
	require.Len(t, c.Bridge.Users, 1)
	assert.Equal(t, "sensor-7", c.Bridge.Users[0].ClientID)
	assert.Equal(t, "0.0.0.0:8883", c.Bridge.Listen.TLS.Address)
	assert.Equal(t, "srv.key", c.Bridge.Listen.TLS.Key)
	assert.Equal(t, "", c.Bridge.Listen.TCP.Address)
}

func TestValidationErrors(t *testing.T) {
	for name, content := range map[string]string{
		"bad mode":      `{"bridge": {"mode": "mesh"}}`,
		"tls no cert":   `{"bridge": {"mode": "multi", "listen": {"tls": {"address": ":8883"}}}}`,
		"wss no key":    `{"bridge": {"mode": "multi", "listen": {"wss": {"address": ":443", "cert": "c"}}}}`,
		"half keypair":  `{"broker": {"cert": "c.pem"}}`,
		"tiny pool":     `{"pool": {"size": 1}}`,
		"starved pool":  `{"pool": {"size": 6}, "bridge": {"mode": "multi", "capacity": 4}}`,
		"no in flight":  `{"broker": {"in_flight": -1}}`,
		"password only": `{"broker": {"password": "x"}}`,
		"device name":   `{"device": {"name": "a/b"}}`,
		"user no hash":  `{"bridge": {"mode": "single", "users": [{"client_id": "x"}]}}`,
		"broken json":   `{"device": `,
	} {
		_, err := New(writeFile(t, "c.json", content))
		assert.Error(t, err, name)
	}

	_, err := New(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfigureLogging(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	c.Log.Level = "verbose"
	assert.Error(t, c.ConfigureLogging())

	c.Log.Level = "info"
	assert.NoError(t, c.ConfigureLogging())
}
