package debugger

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"net"

	"github.com/rr-go/rrcore/internal/logflags"
)

// Transport is the request/reply boundary: a TCP connection on
// 127.0.0.1 at a configurable port, carrying the request kinds the
// dispatch loop understands. The real GDB remote serial protocol's
// wire encoding is not reproduced here; this interface is what the
// dispatch loop needs from whatever codec sits underneath.
type Transport interface {
	ReadRequest() (*Request, error)
	WriteReply(*Reply) error
	WriteNotification(*StopNotification) error
	WriteExit(*ExitNotification) error
	Close() error
}

// tcpTransport is a single-client TCP transport, framed with
// encoding/gob. gob stands in for the real RSP packet codec, which is
// not reproduced here (see DESIGN.md).
type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// Listener accepts a single debugger client connection at a time: one
// scheduler, one attached debugger. An owned net.Listener, one
// accepted net.Conn, a bufio.Reader driving a blocking read loop.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on 127.0.0.1:port, the address named by
// the `dbgport` configuration key.
func Listen(port int) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("debugger: listen on port %d: %w", port, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the address the listener is bound to, useful when port
// 0 was requested and the kernel chose one.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the single debugger client to connect and returns
// a Transport wrapping that connection.
func (l *Listener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("debugger: accept: %w", err)
	}
	logflags.DebuggerLogger().Infof("debugger client connected from %s", conn.RemoteAddr())
	r := bufio.NewReader(conn)
	return &tcpTransport{
		conn: conn,
		r:    r,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(r),
	}, nil
}

// Close closes the listener; any accepted connection must be closed
// separately via its Transport.
func (l *Listener) Close() error { return l.ln.Close() }

type wireMessage struct {
	Req          *Request
	Reply        *Reply
	Notification *StopNotification
	Exit         *ExitNotification
}

func (t *tcpTransport) ReadRequest() (*Request, error) {
	var msg wireMessage
	if err := t.dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("debugger: reading request: %w", err)
	}
	if msg.Req == nil {
		return nil, fmt.Errorf("debugger: expected a request frame")
	}
	return msg.Req, nil
}

func (t *tcpTransport) WriteReply(reply *Reply) error {
	if err := t.enc.Encode(wireMessage{Reply: reply}); err != nil {
		return fmt.Errorf("debugger: writing reply: %w", err)
	}
	return nil
}

func (t *tcpTransport) WriteNotification(n *StopNotification) error {
	if err := t.enc.Encode(wireMessage{Notification: n}); err != nil {
		return fmt.Errorf("debugger: writing stop notification: %w", err)
	}
	return nil
}

func (t *tcpTransport) WriteExit(n *ExitNotification) error {
	if err := t.enc.Encode(wireMessage{Exit: n}); err != nil {
		return fmt.Errorf("debugger: writing exit notification: %w", err)
	}
	return nil
}

func (t *tcpTransport) Close() error { return t.conn.Close() }
