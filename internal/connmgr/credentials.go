package connmgr

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/pkg/errors"
)

var (
	ErrBadCA        = errors.New("no certificates found in CA")
	ErrPasswordOnly = errors.New("password without username")
)

// Credentials are handed to the device out of band. TLS material is PEM.
type Credentials struct {
	Username string `cbor:"1,keyasint,omitempty" json:"username,omitempty"`
	Password string `cbor:"2,keyasint,omitempty" json:"password,omitempty"`
	CA       []byte `cbor:"3,keyasint,omitempty" json:"ca,omitempty"`
	Cert     []byte `cbor:"4,keyasint,omitempty" json:"cert,omitempty"`
	Key      []byte `cbor:"5,keyasint,omitempty" json:"key,omitempty"`

	InsecureSkipVerify bool `cbor:"6,keyasint,omitempty" json:"insecure_skip_verify,omitempty"`
}

func (c *Credentials) Empty() bool {
	return c == nil ||
		c.Username == "" && c.Password == "" && len(c.CA) == 0 && len(c.Cert) == 0 && len(c.Key) == 0
}

// Validate rejects credentials MQTT cannot carry: a password needs a username.
func (c *Credentials) Validate() error {
	if c != nil && c.Username == "" && c.Password != "" {
		return ErrPasswordOnly
	}
	return nil
}

// TLSConfig returns nil when the credentials carry no TLS material.
func (c *Credentials) TLSConfig() (*tls.Config, error) {
	if c == nil || len(c.CA) == 0 && len(c.Cert) == 0 && !c.InsecureSkipVerify {
		return nil, nil
	}

	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if len(c.CA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.CA) {
			return nil, ErrBadCA
		}
		conf.RootCAs = pool
	}
	if len(c.Cert) > 0 {
		cert, err := tls.X509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}
