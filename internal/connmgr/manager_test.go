package connmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/RoanBrand/gobridge/internal/runloop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct{ mock.Mock }

func (c *mockClient) Connect(creds *Credentials) error { return c.Called(creds).Error(0) }
func (c *mockClient) Disconnect()                      { c.Called() }

type transition struct{ from, to State }

func newManager(t *testing.T) (*Manager, *mockClient, *runloop.ManualClock, *[]transition) {
	t.Helper()
	client := &mockClient{}
	clock := runloop.NewManualClock(time.Unix(1000, 0))
	m := NewManager(client, clock)
	m.Seed(7)
	var seen []transition
	m.OnChange(func(from, to State) { seen = append(seen, transition{from, to}) })
	return m, client, clock, &seen
}

var creds = &Credentials{Username: "dev", Password: "secret"}

func TestAssociateWithCredentials(t *testing.T) {
	m, client, _, seen := newManager(t)
	client.On("Connect", mock.Anything).Return(nil).Once()
	m.SetCredentials(creds)

	m.Poll()
	assert.Equal(t, Associating, m.State(), "no link yet")

	m.LinkChanged(true)
	m.Poll()
	require.Equal(t, Connecting, m.State())

	m.Poll()
	assert.Equal(t, Connecting, m.State(), "waits for the outcome")

	m.ConnectSucceeded()
	m.Poll()
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []transition{{Associating, Connecting}, {Connecting, Connected}}, *seen)

	client.AssertExpectations(t)
	got := client.Calls[0].Arguments.Get(0).(*Credentials)
	assert.Equal(t, "dev", got.Username)
}

func TestWaitCredentials(t *testing.T) {
	m, client, _, _ := newManager(t)
	m.LinkChanged(true)
	m.Poll()
	require.Equal(t, WaitCredentials, m.State())

	m.Poll()
	assert.Equal(t, WaitCredentials, m.State())

	m.SetCredentials(&Credentials{})
	m.Poll()
	assert.Equal(t, WaitCredentials, m.State(), "empty credentials don't count")

	client.On("Connect", mock.Anything).Return(nil).Once()
	m.SetCredentials(creds)
	m.Poll()
	assert.Equal(t, Connecting, m.State())
	client.AssertExpectations(t)
}

func TestStandOffCycles(t *testing.T) {
	m, client, clock, _ := newManager(t)
	client.On("Connect", mock.Anything).Return(nil)
	m.SetCredentials(creds)
	m.LinkChanged(true)
	m.Poll()
	require.Equal(t, Connecting, m.State())

	for cycle := 0; cycle < 4; cycle++ {
		m.ConnectFailed(errors.New("refused"))
		m.Poll()
		require.Equal(t, StandOff, m.State(), "cycle %d", cycle)

		d := m.StandOff()
		assert.True(t, d >= StandOffMin && d < StandOffMin+StandOffJitter, "standoff %v out of range", d)

		clock.Advance(d - time.Millisecond)
		m.Poll()
		require.Equal(t, StandOff, m.State(), "left early in cycle %d", cycle)

		clock.Advance(time.Millisecond)
		m.Poll()
		require.Equal(t, Connecting, m.State(), "cycle %d", cycle)
	}
	client.AssertNumberOfCalls(t, "Connect", 5)
}

func TestStandOffIsRerolled(t *testing.T) {
	m, client, clock, _ := newManager(t)
	client.On("Connect", mock.Anything).Return(nil)
	m.SetCredentials(creds)
	m.LinkChanged(true)
	m.Poll()

	seen := map[time.Duration]bool{}
	for i := 0; i < 10; i++ {
		m.ConnectFailed(nil)
		m.Poll()
		seen[m.StandOff()] = true
		clock.Advance(2 * time.Second)
		m.Poll()
	}
	assert.True(t, len(seen) > 1)
}

func TestConnectStartError(t *testing.T) {
	m, client, _, _ := newManager(t)
	client.On("Connect", mock.Anything).Return(errors.New("no route")).Once()
	m.SetCredentials(creds)
	m.LinkChanged(true)

	m.Poll()
	require.Equal(t, Connecting, m.State())
	m.Poll()
	assert.Equal(t, StandOff, m.State())
}

func TestConnectedDisconnect(t *testing.T) {
	m, client, _, _ := newManager(t)
	client.On("Connect", mock.Anything).Return(nil)
	m.SetCredentials(creds)
	m.LinkChanged(true)
	m.Poll()
	m.ConnectSucceeded()
	m.Poll()
	require.Equal(t, Connected, m.State())

	m.Disconnected(errors.New("keepalive"))
	m.Poll()
	assert.Equal(t, StandOff, m.State())
}

func TestUnassociatedFromAnyState(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(m *Manager, clock *runloop.ManualClock)
		want       State
		disconnect bool
	}{
		{"wait credentials", func(m *Manager, _ *runloop.ManualClock) {
			m.SetCredentials(nil)
			m.Poll()
		}, WaitCredentials, false},
		{"connecting", func(m *Manager, _ *runloop.ManualClock) {
			m.Poll()
		}, Connecting, true},
		{"connected", func(m *Manager, _ *runloop.ManualClock) {
			m.Poll()
			m.ConnectSucceeded()
			m.Poll()
		}, Connected, true},
		{"standoff", func(m *Manager, _ *runloop.ManualClock) {
			m.Poll()
			m.ConnectFailed(nil)
			m.Poll()
		}, StandOff, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, client, clock, _ := newManager(t)
			client.On("Connect", mock.Anything).Return(nil)
			if tt.disconnect {
				client.On("Disconnect").Return().Once()
			}
			m.SetCredentials(creds)
			m.LinkChanged(true)
			tt.setup(m, clock)
			require.Equal(t, tt.want, m.State())

			m.LinkChanged(false)
			m.Poll()
			assert.Equal(t, Associating, m.State())
			m.Poll()
			assert.Equal(t, Associating, m.State())

			if tt.disconnect {
				client.AssertCalled(t, "Disconnect")
			} else {
				client.AssertNotCalled(t, "Disconnect")
			}
		})
	}
}

func TestOneTransitionPerPoll(t *testing.T) {
	m, client, _, seen := newManager(t)
	client.On("Connect", mock.Anything).Return(nil)
	m.SetCredentials(creds)
	m.LinkChanged(true)

	m.Poll()
	m.ConnectSucceeded()
	assert.Len(t, *seen, 1)
	m.Poll()
	assert.Len(t, *seen, 2)

	// a bounce resolves through Associating first
	m.LinkChanged(false)
	m.LinkChanged(true)
	client.On("Disconnect").Return()
	m.Poll()
	assert.Equal(t, Associating, m.State())
	m.Poll()
	assert.Equal(t, Connecting, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "WAIT_CREDENTIALS", WaitCredentials.String())
	assert.Equal(t, "STANDOFF", StandOff.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestNilCollaborators(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, runloop.SystemClock{}) })
}

func selfSigned(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "broker"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	kder, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder})
}

func TestCredentialsTLS(t *testing.T) {
	conf, err := creds.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, conf)

	_, err = (&Credentials{CA: []byte("nope")}).TLSConfig()
	assert.True(t, errors.Is(err, ErrBadCA))

	cert, key := selfSigned(t)
	conf, err = (&Credentials{CA: cert, Cert: cert, Key: key}).TLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, conf.RootCAs)
	assert.Len(t, conf.Certificates, 1)

	_, err = (&Credentials{Cert: cert}).TLSConfig()
	assert.Error(t, err)

	assert.True(t, (*Credentials)(nil).Empty())
	assert.False(t, creds.Empty())
}

func TestCredentialsValidate(t *testing.T) {
	assert.NoError(t, creds.Validate())
	assert.NoError(t, (*Credentials)(nil).Validate())
	assert.NoError(t, (&Credentials{Username: "anon"}).Validate())
	assert.Equal(t, ErrPasswordOnly, (&Credentials{Password: "secret"}).Validate())
}
