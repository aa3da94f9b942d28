// Package gobridge wires the device together: message pool, MQTT client,
// RPC tree, bridge, connection manager and link monitor, all polled from
// one run loop.
package gobridge

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/RoanBrand/gobridge/auth"
	"github.com/RoanBrand/gobridge/bridge"
	"github.com/RoanBrand/gobridge/internal/config"
	"github.com/RoanBrand/gobridge/internal/connmgr"
	"github.com/RoanBrand/gobridge/internal/link"
	"github.com/RoanBrand/gobridge/internal/mqtt"
	"github.com/RoanBrand/gobridge/internal/pool"
	"github.com/RoanBrand/gobridge/internal/runloop"
	"github.com/RoanBrand/gobridge/internal/store"
	"github.com/RoanBrand/gobridge/internal/transport"
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/RoanBrand/gobridge/rpc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CredentialsName is the store key of the upstream credentials.
const CredentialsName = "default"

// Run loop threads.
const (
	coreThread runloop.ThreadID = iota
	netThread
)

const linkCheckInterval = time.Second

type Device struct {
	conf   *config.Config
	clock  runloop.Clock
	dialer transport.Dialer

	loop    *runloop.Loop
	pool    *pool.Pool
	client  *mqtt.Client
	tree    *rpc.Tree
	manager *connmgr.Manager
	link    link.Source
	store   *store.Store

	bridge      bridge.Bridge
	server      *transport.Server
	sessions    []*mqtt.Session
	maxSessions int

	mu     sync.Mutex
	cancel context.CancelFunc
}

type Option func(*Device)

func WithClock(c runloop.Clock) Option {
	return func(d *Device) { d.clock = c }
}

func WithDialer(dl transport.Dialer) Option {
	return func(d *Device) { d.dialer = dl }
}

func WithLink(l link.Source) Option {
	return func(d *Device) { d.link = l }
}

// New builds a device from validated configuration. Methods and children
// can be added to Root until Run.
func New(conf *config.Config, opts ...Option) (*Device, error) {
	d := &Device{conf: conf}
	for _, o := range opts {
		o(d)
	}
	if d.clock == nil {
		d.clock = runloop.SystemClock{}
	}
	if d.dialer == nil {
		d.dialer = &transport.NetDialer{Timeout: time.Duration(conf.Broker.ConnectTimeout) * time.Second}
	}
	if d.link == nil {
		if conf.Link.Interface == "static" {
			d.link = link.NewStatic(true)
		} else {
			d.link = link.NewMonitor(conf.Link.Interface, linkCheckInterval, d.clock)
		}
	}

	d.loop = runloop.New(conf.Poll())
	d.pool = pool.New(conf.Pool.Size, conf.Pool.BufSize)
	d.tree = rpc.NewTree(conf.Device.Name, d)
	d.client = mqtt.NewClient(mqtt.Options{
		ClientID:       conf.Device.ClientID,
		Address:        conf.Broker.Address,
		KeepAlive:      time.Duration(conf.Broker.KeepAlive) * time.Second,
		ResendTimeout:  time.Duration(conf.Broker.ResendTimeout) * time.Second,
		ConnectTimeout: time.Duration(conf.Broker.ConnectTimeout) * time.Second,
		InFlight:       conf.Broker.InFlight,
		Subscriptions:  d.tree.Subscriptions(),
	}, d.dialer, d.pool, d.clock, upstreamEvents{d})

	d.manager = connmgr.NewManager(d.client, d.clock)
	d.manager.OnChange(d.stateChanged)
	d.link.OnChange(d.manager.LinkChanged)

	if err := d.loadCredentials(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.setupBridge(); err != nil {
		d.Close()
		return nil, err
	}

	d.tree.Root().AddMethod("info", d.info)

	d.loop.Register(coreThread, func(interface{}) { d.acceptPeers() }, nil)
	d.loop.Register(coreThread, func(ud interface{}) { ud.(link.Source).Poll() }, d.link)
	d.loop.Register(coreThread, func(ud interface{}) { ud.(*connmgr.Manager).Poll() }, d.manager)
	d.loop.Register(netThread, func(ud interface{}) { ud.(*mqtt.Client).Poll() }, d.client)
	d.loop.Register(netThread, func(interface{}) { d.pollSessions() }, nil)
	return d, nil
}

// loadCredentials seeds the manager from the store, else from config.
func (d *Device) loadCredentials() error {
	if d.conf.Store.Path != "" {
		s, err := store.Open(d.conf.Store.Path)
		if err != nil {
			return err
		}
		d.store = s

		c, err := s.LoadCredentials(CredentialsName)
		if err == nil {
			log.Info("Using stored credentials")
			d.manager.SetCredentials(c)
			return nil
		}
		if err != store.ErrNotFound {
			return err
		}
	}

	b := &d.conf.Broker
	c := connmgr.Credentials{
		Username:           b.Username,
		Password:           b.Password,
		InsecureSkipVerify: b.InsecureSkipVerify,
	}
	var err error
	if b.CA != "" {
		if c.CA, err = os.ReadFile(b.CA); err != nil {
			return errors.Wrap(err, "broker CA")
		}
	}
	if b.Cert != "" {
		if c.Cert, err = os.ReadFile(b.Cert); err != nil {
			return errors.Wrap(err, "broker certificate")
		}
		if c.Key, err = os.ReadFile(b.Key); err != nil {
			return errors.Wrap(err, "broker key")
		}
	}
	d.manager.SetCredentials(&c)
	return nil
}

func (d *Device) setupBridge() error {
	bc := &d.conf.Bridge
	if bc.Mode == "" {
		return nil
	}

	a := auth.NewBasic(auth.DefaultParams)
	a.ToggleGuestAccess(bc.AllowGuests)
	for _, u := range bc.Users {
		if err := a.RegisterHashed(u.ClientID, u.Username, u.Password, u.Node); err != nil {
			return errors.Wrap(err, "bridge user "+u.ClientID)
		}
	}

	switch bc.Mode {
	case "single":
		d.bridge = bridge.NewSingle(d.tree.Root(), bc.Name, a, d.client)
	case "multi":
		d.bridge = bridge.NewMulti(d.tree.Root(), bc.Name, bc.Capacity, a, d.client)
	}
	d.maxSessions = bc.MaxPeers()

	s, err := transport.NewServer(&bc.Listen, d.maxSessions)
	if err != nil {
		return err
	}
	d.server = s
	return nil
}

func (d *Device) Root() *rpc.Node {
	return d.tree.Root()
}

// Publish sends on the upstream connection. Run loop only.
func (d *Device) Publish(topic string, payload []byte, qos wire.QoS) error {
	return d.client.Publish(topic, payload, qos)
}

// Run polls everything until ctx is done or Stop is called.
func (d *Device) Run(ctx context.Context) error {
	d.tree.Seal()

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	log.WithFields(log.Fields{
		"device": d.conf.Device.Name,
		"client": d.conf.Device.ClientID,
		"broker": d.conf.Broker.Address,
	}).Info("Starting device")

	g, ctx := errgroup.WithContext(ctx)
	if d.server != nil {
		g.Go(d.server.Start)
		g.Go(func() error {
			<-ctx.Done()
			d.server.Stop()
			return nil
		})
	}
	g.Go(func() error {
		err := d.loop.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	err := g.Wait()
	d.shutdown()
	return err
}

// Stop makes Run return. Safe from any goroutine.
func (d *Device) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
}

func (d *Device) shutdown() {
	log.Info("Shutting down device")
	d.client.Disconnect()
	for _, s := range d.sessions {
		s.Close()
	}
	d.sessions = nil
	d.Close()
}

// Close releases the listeners and the store.
func (d *Device) Close() {
	if d.server != nil {
		d.server.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.WithFields(log.Fields{
				"err": err,
			}).Warn("Could not close store")
		}
		d.store = nil
	}
}

// SetCredentials persists c and hands it to the connection manager.
// Safe from any goroutine.
func (d *Device) SetCredentials(c *connmgr.Credentials) error {
	if c.Empty() {
		return d.ClearCredentials()
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if d.store != nil {
		if err := d.store.SaveCredentials(CredentialsName, c); err != nil {
			return err
		}
	}
	cp := *c
	d.loop.Do(func() { d.manager.SetCredentials(&cp) })
	return nil
}

// ClearCredentials forgets stored credentials. The current connection is
// kept; the next attempt waits for new credentials.
func (d *Device) ClearCredentials() error {
	if d.store != nil {
		if err := d.store.DeleteCredentials(CredentialsName); err != nil {
			return err
		}
	}
	d.loop.Do(func() { d.manager.SetCredentials(nil) })
	return nil
}

func (d *Device) stateChanged(from, to connmgr.State) {
	log.WithFields(log.Fields{
		"from": from,
		"to":   to,
	}).Info("Connection state changed")

	if from == connmgr.Connected && d.bridge != nil {
		d.bridge.Reset()
	}
	if to == connmgr.Connected {
		d.tree.Root().Notify("status", d.status())
	}
}

type status struct {
	State  string `cbor:"1,keyasint"`
	Client string `cbor:"2,keyasint"`
	InUse  int    `cbor:"3,keyasint"`
	Slots  int    `cbor:"4,keyasint"`
	Peers  int    `cbor:"5,keyasint"`
}

func (d *Device) status() status {
	return status{
		State:  d.manager.State().String(),
		Client: d.conf.Device.ClientID,
		InUse:  d.pool.InUse(),
		Slots:  d.pool.Size(),
		Peers:  len(d.sessions),
	}
}

func (d *Device) info(c *rpc.Call) rpc.Status {
	c.Return(d.status())
	return rpc.Success
}

func (d *Device) acceptPeers() {
	if d.server == nil {
		return
	}
	for {
		p, ok := d.server.Accept()
		if !ok {
			return
		}
		if len(d.sessions) >= d.maxSessions {
			log.WithFields(log.Fields{
				"addr": p.Addr,
			}).Warn("Too many peer connections")
			p.Stream.Close()
			continue
		}
		d.sessions = append(d.sessions, mqtt.NewSession(p.Stream, p.Addr, d.pool, d.clock, peerEvents{d}))
	}
}

func (d *Device) pollSessions() {
	n := 0
	for _, s := range d.sessions {
		if s.Poll() {
			d.sessions[n] = s
			n++
		}
	}
	for i := n; i < len(d.sessions); i++ {
		d.sessions[i] = nil
	}
	d.sessions = d.sessions[:n]
}

// upstreamEvents feeds MQTT client outcomes to the manager and the tree.
type upstreamEvents struct{ d *Device }

func (e upstreamEvents) OnConnected()                 { e.d.manager.ConnectSucceeded() }
func (e upstreamEvents) OnConnectFailed(reason error) { e.d.manager.ConnectFailed(reason) }
func (e upstreamEvents) OnDisconnected(reason error)  { e.d.manager.Disconnected(reason) }

func (e upstreamEvents) OnPublish(m *wire.Message) {
	if e.d.tree.Dispatch(m) == rpc.Unhandled {
		log.WithFields(log.Fields{
			"topic": string(m.Topic()),
		}).Debug("Unhandled publish")
	}
}

// peerEvents connects bridge peer sessions to the bridge.
type peerEvents struct{ d *Device }

func (e peerEvents) Authenticate(s *mqtt.Session, clientID, username string, password []byte) error {
	return peerRefusal(e.d.bridge.Attach(s, clientID, username, password))
}

// peerRefusal tags bridge attach failures with the CONNACK they deserve.
func peerRefusal(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bridge.ErrTableFull), errors.Is(err, bridge.ErrBusy):
		return errors.Wrap(mqtt.ErrServerUnavailable, err.Error())
	case errors.Is(err, bridge.ErrCollision):
		return errors.Wrap(mqtt.ErrIdentifierRejected, err.Error())
	default:
		return err
	}
}

func (e peerEvents) Publish(s *mqtt.Session, m *wire.Message) {
	if err := e.d.bridge.Relay(s, m); err != nil {
		log.WithFields(log.Fields{
			"client": s.ClientID(),
			"topic":  string(m.Topic()),
			"err":    err,
		}).Warn("Dropped relay")
	}
}

func (e peerEvents) Closed(s *mqtt.Session) {
	e.d.bridge.Detach(s)
}
