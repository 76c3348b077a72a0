// Package peer manages one TCP connection to a remote pod: an
// outbound multi-producer queue drained by a writer goroutine, and an
// inbound reader goroutine that decodes framed wire.Message values and
// forwards them, tagged with the peer's address, to a shared inbound
// channel owned by the network interface.
package peer

import (
	"net"
	"sync"

	"github.com/meshpod/meshpod/internal/logger"
	"github.com/meshpod/meshpod/internal/wire"
)

// Inbound is one message received from a peer, tagged with its origin
// so the router can reply to or disconnect the right connection.
type Inbound struct {
	From    string
	Message wire.Message
}

// Peer is a connected remote pod: a live connection plus the two
// goroutines servicing it.
type Peer struct {
	Address string

	conn net.Conn
	out  chan wire.Message

	hostnameMu sync.RWMutex
	hostname   string

	closeOnce sync.Once
	closed    chan struct{}
}

// Hostname returns the peer's self-reported human-readable name, set
// via SetHostname once a Register message is received from it.
func (p *Peer) Hostname() string {
	p.hostnameMu.RLock()
	defer p.hostnameMu.RUnlock()
	return p.hostname
}

// SetHostname records the peer's self-reported name. It is advisory
// only; the wire address stays canonical.
func (p *Peer) SetHostname(name string) {
	p.hostnameMu.Lock()
	defer p.hostnameMu.Unlock()
	p.hostname = name
}

// New wraps conn as a Peer named addr, reachable at the network
// interface for send operations. Call Run to start servicing it.
func New(addr string, conn net.Conn) *Peer {
	return &Peer{
		Address: addr,
		conn:    conn,
		out:     make(chan wire.Message, 64),
		closed:  make(chan struct{}),
	}
}

// Send enqueues msg for delivery; it never blocks indefinitely past
// the connection's own lifetime — once the peer is closed, Send is a
// no-op so callers racing a disconnect never deadlock.
func (p *Peer) Send(msg wire.Message) {
	select {
	case p.out <- msg:
	case <-p.closed:
	}
}

// Run drains the outbound queue into the connection and decodes
// inbound frames into inbound, until either direction fails or Close
// is called. It blocks until the connection terminates.
func (p *Peer) Run(inbound chan<- Inbound) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.writeLoop()
	}()
	go func() {
		defer wg.Done()
		p.readLoop(inbound)
	}()

	wg.Wait()
	p.Close()
}

func (p *Peer) writeLoop() {
	for {
		select {
		case msg := <-p.out:
			if err := wire.WriteMessage(p.conn, msg); err != nil {
				logger.Warningf("peer %s: write failed, closing: %v", p.Address, err)
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (p *Peer) readLoop(inbound chan<- Inbound) {
	for {
		msg, err := wire.ReadMessage(p.conn)
		if err != nil {
			logger.Infof("peer %s: connection closed: %v", p.Address, err)
			return
		}
		select {
		case inbound <- Inbound{From: p.Address, Message: msg}:
		case <-p.closed:
			return
		}
	}
}

// Close terminates the connection and wakes both servicing goroutines.
// Safe to call more than once and from any goroutine.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}
