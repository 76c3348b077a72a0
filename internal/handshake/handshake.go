// Package handshake implements the join protocol: the joining peer's
// dial/connect/await-accept sequence and the accepting peer's
// await-connect/decide-rename/reply sequence, built directly on
// internal/wire's Handshake sum type. Each side is a short, linear
// sequence of calls returning structured errors rather than a
// general-purpose state machine type.
package handshake

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/meshpod/meshpod/internal/wire"
)

// ErrNoFilesystemSnapshot is returned when an Accept frame is missing
// its arbo snapshot, which every valid Accept must carry.
var ErrNoFilesystemSnapshot = errors.New("handshake: accept carried no filesystem snapshot")

// PeerAddr pairs a peer's human-readable hostname with its dial URL,
// the zipped form of an Accept frame's parallel Hosts/URLs vectors.
type PeerAddr struct {
	Hostname string
	URL      string
}

// EntrantResult is what a successful Dial hands the caller: the live
// connection, this pod's (possibly acceptor-renamed) hostname, every
// other peer in the accepted network, the adopted global config blob,
// and the arbo snapshot to load wholesale.
type EntrantResult struct {
	Conn     net.Conn
	Hostname string
	Peers    []PeerAddr
	Config   []byte
	FS       wire.FileSystemSerialized
}

// Dial runs the joining side of the handshake: connect, send Connect,
// await Accept or Refuse.
func Dial(addr, hostname, selfURL string, dialTimeout time.Duration) (*EntrantResult, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("handshake: dial %s: %w", addr, err)
	}

	if err := wire.WriteHandshake(conn, wire.Connect(hostname, selfURL)); err != nil {
		conn.Close()
		return nil, err
	}

	hs, err := wire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch hs.Kind {
	case wire.HandshakeRefuse:
		conn.Close()
		return nil, fmt.Errorf("handshake: %s refused the connect: %s", addr, hs.Reason)
	case wire.HandshakeAccept:
		if hs.FS == nil {
			conn.Close()
			return nil, ErrNoFilesystemSnapshot
		}
		final := hostname
		if hs.Rename != "" {
			final = hs.Rename
		}
		return &EntrantResult{
			Conn: conn, Hostname: final,
			Peers: zip(hs.Hosts, hs.URLs), Config: hs.Config, FS: *hs.FS,
		}, nil
	default:
		conn.Close()
		return nil, fmt.Errorf("handshake: unexpected frame kind %d awaiting accept", hs.Kind)
	}
}

func zip(hosts, urls []string) []PeerAddr {
	out := make([]PeerAddr, 0, len(hosts))
	for i, h := range hosts {
		var url string
		if i < len(urls) {
			url = urls[i]
		}
		out = append(out, PeerAddr{Hostname: h, URL: url})
	}
	return out
}

// AcceptorResult is what a successful Accept hands the caller: the
// connection and the entrant's final (possibly renamed) hostname/URL,
// so the acceptor can add it to its own peer list.
type AcceptorResult struct {
	Conn            net.Conn
	EntrantHostname string
	EntrantURL      string
}

// Accept runs the accepting side of the handshake over an
// already-accept()ed TCP connection: await Connect, validate the magic
// version, resolve any hostname collision, and reply with Accept.
// hosts/urls must already begin with the acceptor itself; known reports
// whether a candidate hostname is already taken.
func Accept(conn net.Conn, selfHostname string, hosts, urls []string, config []byte, fs wire.FileSystemSerialized, known func(string) bool) (*AcceptorResult, error) {
	hs, err := wire.ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	return AcceptHandshake(conn, hs, selfHostname, hosts, urls, config, fs, known)
}

// AcceptHandshake runs the accepting side's validation and reply given
// a Connect frame the caller has already read off conn. Split out from
// Accept for callers — like a pod's accept-connections task — that
// must peek at an incoming frame's Kind first to tell a fresh Connect
// apart from a Wave introduction sharing the same listener.
func AcceptHandshake(conn net.Conn, hs wire.Handshake, selfHostname string, hosts, urls []string, config []byte, fs wire.FileSystemSerialized, known func(string) bool) (*AcceptorResult, error) {
	if hs.Kind != wire.HandshakeConnect {
		_ = wire.WriteHandshake(conn, wire.Refuse(wire.ErrInvalidHandshake))
		return nil, fmt.Errorf("handshake: expected connect, got frame kind %d", hs.Kind)
	}
	if hs.MagicVersion != wire.MagicVersion {
		_ = wire.WriteHandshake(conn, wire.Refuse(wire.ErrInvalidHandshake))
		return nil, fmt.Errorf("handshake: magic version mismatch: %q", hs.MagicVersion)
	}

	rename := ResolveCollision(hs.Hostname, known)
	if err := wire.WriteHandshake(conn, wire.Accept(selfHostname, rename, hosts, urls, config, fs)); err != nil {
		return nil, err
	}

	final := hs.Hostname
	if rename != "" {
		final = rename
	}
	return &AcceptorResult{Conn: conn, EntrantHostname: final, EntrantURL: hs.URL}, nil
}

// ResolveCollision returns "" if name is not already taken, or
// "N.name" for the smallest N >= 1 that is not.
func ResolveCollision(name string, known func(string) bool) string {
	if !known(name) {
		return ""
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%d.%s", n, name)
		if !known(candidate) {
			return candidate
		}
	}
}

// Wave exchanges a symmetric greeting with a peer a third party has
// introduced, before either side joins the message loop. The greeting
// is written while the peer's is read, so both ends may call Wave at
// once even over an unbuffered connection.
func Wave(conn net.Conn, hostname, url, blame string) (wire.Handshake, error) {
	writeErr := make(chan error, 1)
	go func() { writeErr <- wire.WriteHandshake(conn, wire.Wave(hostname, url, blame)) }()
	hs, err := wire.ReadHandshake(conn)
	if err != nil {
		return wire.Handshake{}, err
	}
	if err := <-writeErr; err != nil {
		return wire.Handshake{}, err
	}
	return hs, nil
}
