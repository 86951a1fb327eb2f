package inetd_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-initd/initd/internal/inetd"
)

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

func TestNoWaitDispatchesConcurrently(t *testing.T) {
	accepted := make(chan net.Conn, 4)
	l, err := inetd.Listen("tcp://127.0.0.1:0", true, func(c net.Conn) { accepted <- c }, nil)
	require.NoError(t, err)
	defer l.Close()
	go l.Serve()

	addr := l.Addr()
	dial(t, addr).Close()
	dial(t, addr).Close()

	for i := 0; i < 2; i++ {
		select {
		case c := <-accepted:
			c.Close()
		case <-time.After(time.Second):
			t.Fatal("connection not dispatched")
		}
	}
}

func TestWaitModeGatesUntilConnDone(t *testing.T) {
	accepted := make(chan net.Conn, 4)
	l, err := inetd.Listen("tcp://127.0.0.1:0", false, func(c net.Conn) { accepted <- c }, nil)
	require.NoError(t, err)
	defer l.Close()
	go l.Serve()

	addr := l.Addr()
	c1 := dial(t, addr)
	defer c1.Close()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("first connection not dispatched")
	}

	c2 := dial(t, addr)
	defer c2.Close()

	select {
	case <-accepted:
		t.Fatal("second connection dispatched before ConnDone")
	case <-time.After(50 * time.Millisecond):
	}

	l.ConnDone()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("second connection not dispatched after ConnDone")
	}
}

func TestMalformedAddrRejected(t *testing.T) {
	_, err := inetd.Listen("not-a-valid-addr", true, func(net.Conn) {}, nil)
	assert.Error(t, err)
}
