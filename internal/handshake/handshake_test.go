package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpod/meshpod/internal/wire"
)

func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestAcceptGrantsEntrantAndRelaysPeerList(t *testing.T) {
	entrantConn, acceptorConn := pipePair()
	defer entrantConn.Close()

	done := make(chan struct{})
	var acceptRes *AcceptorResult
	var acceptErr error
	go func() {
		fs := wire.FileSystemSerialized{NextInode: 11}
		acceptRes, acceptErr = Accept(acceptorConn, "acceptor", []string{"acceptor", "other"}, []string{"acceptor:9000", "other:9001"}, []byte("cfg"), fs, func(string) bool { return false })
		close(done)
	}()

	require.NoError(t, wire.WriteHandshake(entrantConn, wire.Connect("entrant", "entrant:9002")))
	hs, err := wire.ReadHandshake(entrantConn)
	require.NoError(t, err)
	assert.Equal(t, wire.HandshakeAccept, hs.Kind)
	assert.Equal(t, "", hs.Rename)
	assert.Equal(t, []string{"acceptor", "other"}, hs.Hosts)
	require.NotNil(t, hs.FS)
	assert.Equal(t, uint64(11), hs.FS.NextInode)

	<-done
	require.NoError(t, acceptErr)
	assert.Equal(t, "entrant", acceptRes.EntrantHostname)
	assert.Equal(t, "entrant:9002", acceptRes.EntrantURL)
}

func TestAcceptRenamesOnHostnameCollision(t *testing.T) {
	entrantConn, acceptorConn := pipePair()
	defer entrantConn.Close()

	done := make(chan struct{})
	var acceptRes *AcceptorResult
	go func() {
		fs := wire.FileSystemSerialized{}
		acceptRes, _ = Accept(acceptorConn, "acceptor", []string{"acceptor"}, []string{"a:9000"}, nil, fs, func(n string) bool { return n == "entrant" })
		close(done)
	}()

	require.NoError(t, wire.WriteHandshake(entrantConn, wire.Connect("entrant", "entrant:9002")))
	hs, err := wire.ReadHandshake(entrantConn)
	require.NoError(t, err)
	assert.Equal(t, "1.entrant", hs.Rename)

	<-done
	assert.Equal(t, "1.entrant", acceptRes.EntrantHostname)
}

func TestAcceptRefusesMagicVersionMismatch(t *testing.T) {
	entrantConn, acceptorConn := pipePair()
	defer entrantConn.Close()

	done := make(chan struct{})
	var acceptErr error
	go func() {
		_, acceptErr = Accept(acceptorConn, "acceptor", []string{"acceptor"}, []string{"a:9000"}, nil, wire.FileSystemSerialized{}, func(string) bool { return false })
		close(done)
	}()

	require.NoError(t, wire.WriteHandshake(entrantConn, wire.Handshake{Kind: wire.HandshakeConnect, MagicVersion: "bogus", Hostname: "entrant"}))
	hs, err := wire.ReadHandshake(entrantConn)
	require.NoError(t, err)
	assert.Equal(t, wire.HandshakeRefuse, hs.Kind)
	assert.Equal(t, wire.ErrInvalidHandshake, hs.Reason)

	<-done
	assert.Error(t, acceptErr)
}

func TestDialReturnsAcceptResult(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		defer conn.Close()
		fs := wire.FileSystemSerialized{NextInode: 20}
		_, _ = Accept(conn, "acceptor", []string{"acceptor"}, []string{"acceptor:9000"}, []byte("cfg-blob"), fs, func(string) bool { return false })
		close(done)
	}()

	res, err := Dial(ln.Addr().String(), "entrant", "entrant:9001", time.Second)
	require.NoError(t, err)
	defer res.Conn.Close()
	assert.Equal(t, "entrant", res.Hostname)
	assert.Equal(t, []PeerAddr{{Hostname: "acceptor", URL: "acceptor:9000"}}, res.Peers)
	assert.Equal(t, "cfg-blob", string(res.Config))
	assert.Equal(t, uint64(20), res.FS.NextInode)

	<-done
}

func TestDialReturnsErrorOnRefuse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = wire.ReadHandshake(conn)
		_ = wire.WriteHandshake(conn, wire.Refuse(wire.ErrCouldntConnect))
	}()

	_, err = Dial(ln.Addr().String(), "entrant", "entrant:9001", time.Second)
	assert.Error(t, err)
}

func TestResolveCollisionSkipsExistingRenames(t *testing.T) {
	taken := map[string]bool{"bob": true, "1.bob": true}
	got := ResolveCollision("bob", func(n string) bool { return taken[n] })
	assert.Equal(t, "2.bob", got)
}

func TestWaveExchangesSymmetricGreeting(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	var bHS wire.Handshake
	var bErr error
	go func() {
		bHS, bErr = Wave(b, "b-host", "b:9000", "introducer")
		close(done)
	}()

	aHS, err := Wave(a, "a-host", "a:9001", "introducer")
	require.NoError(t, err)
	assert.Equal(t, "b-host", aHS.Hostname)

	<-done
	require.NoError(t, bErr)
	assert.Equal(t, "a-host", bHS.Hostname)
}
