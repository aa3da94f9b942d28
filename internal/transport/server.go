package transport

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/RoanBrand/gobridge/internal/config"
	log "github.com/sirupsen/logrus"
)

// Peer is an accepted downstream connection.
type Peer struct {
	Stream Stream
	Addr   string
}

// Server accepts bridge peers on the configured listeners. Accepted peers
// are queued for the run loop, which collects them with Accept.
type Server struct {
	config     *config.Listen
	errs       chan error
	tcpL, tlsL net.Listener
	ws, wss    *http.Server

	pending        chan Peer
	rxSize, txSize int
}

// NewServer sets up every listener with an address. backlog bounds the
// number of accepted peers waiting for the run loop.
func NewServer(conf *config.Listen, backlog int) (*Server, error) {
	if backlog <= 0 {
		backlog = 4
	}
	s := Server{
		config:  conf,
		errs:    make(chan error, 4),
		pending: make(chan Peer, backlog),
	}

	if err := s.setupTCP(); err != nil {
		return nil, err
	}
	if err := s.setupTLS(); err != nil {
		s.Stop()
		return nil, err
	}
	if err := s.setupWebsocket(); err != nil {
		s.Stop()
		return nil, err
	}
	if err := s.setupWebsocketSecure(); err != nil {
		s.Stop()
		return nil, err
	}

	return &s, nil
}

// Start blocks until a listener fails or the server is stopped.
func (s *Server) Start() error {
	lf := make(log.Fields, 4)
	if s.tcpL != nil {
		lf["tcp_address"] = s.tcpL.Addr().String()
	}
	if s.tlsL != nil {
		lf["tls_address"] = s.tlsL.Addr().String()
	}
	if s.ws != nil {
		lf["ws_address"] = s.config.WS.Address
	}
	if s.wss != nil {
		lf["wss_address"] = s.config.WSS.Address
	}
	log.WithFields(lf).Info("Accepting bridge peers")

	return <-s.errs
}

func (s *Server) Stop() {
	if s.tcpL != nil {
		s.tcpL.Close()
	}
	if s.tlsL != nil {
		s.tlsL.Close()
	}
	if s.ws != nil {
		s.ws.Close()
	}
	if s.wss != nil {
		s.wss.Close()
	}
	select {
	case s.errs <- nil:
	default:
	}
}

// Accept returns the next queued peer without blocking.
func (s *Server) Accept() (Peer, bool) {
	select {
	case p := <-s.pending:
		return p, true
	default:
		return Peer{}, false
	}
}

// TCPAddr is the bound plain TCP address, if that listener is enabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpL == nil {
		return nil
	}
	return s.tcpL.Addr()
}

func (s *Server) setupTCP() error {
	if s.config.TCP.Address == "" {
		return nil
	}

	l, err := net.Listen("tcp", s.config.TCP.Address)
	if err != nil {
		return err
	}

	s.tcpL = l
	go s.startDispatcher(l)
	return nil
}

func loadKeyPair(certFile, keyFile string) (*tls.Config, error) {
	cert, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}

	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	kp, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{kp}}, nil
}

func (s *Server) setupTLS() error {
	c := &s.config.TLS
	if c.Address == "" {
		return nil
	}

	conf, err := loadKeyPair(c.Cert, c.Key)
	if err != nil {
		return err
	}

	l, err := tls.Listen("tcp", c.Address, conf)
	if err != nil {
		return err
	}

	s.tlsL = l
	go s.startDispatcher(l)
	return nil
}

func (s *Server) setupWebsocket() error {
	c := &s.config.WS
	if c.Address == "" {
		return nil
	}

	s.ws = &http.Server{Addr: c.Address, Handler: wsHandler(c.CheckOrigin, s.enqueue)}
	go func() {
		s.serveErr(s.ws.ListenAndServe())
	}()
	return nil
}

func (s *Server) setupWebsocketSecure() error {
	c := &s.config.WSS
	if c.Address == "" {
		return nil
	}

	conf, err := loadKeyPair(c.Cert, c.Key)
	if err != nil {
		return err
	}

	s.wss = &http.Server{Addr: c.Address, Handler: wsHandler(c.CheckOrigin, s.enqueue), TLSConfig: conf}
	go func() {
		s.serveErr(s.wss.ListenAndServeTLS("", ""))
	}()
	return nil
}

func (s *Server) serveErr(err error) {
	if err == http.ErrServerClosed {
		err = nil
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Server) startDispatcher(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed") {
				err = nil
			}
			s.serveErr(err)
			return
		}

		s.enqueue(conn, conn.RemoteAddr().String())
	}
}

// enqueue hands a connection to the run loop, or drops it if the backlog is full.
func (s *Server) enqueue(conn io.ReadWriteCloser, addr string) {
	p := Peer{Stream: NewStream(conn, s.rxSize, s.txSize), Addr: addr}
	select {
	case s.pending <- p:
	default:
		log.WithFields(log.Fields{
			"address": addr,
		}).Warn("Peer backlog full, dropping connection")
		p.Stream.Close()
	}
}
