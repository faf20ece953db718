package httpd

import "net"

// Handler consumes requests routed to it. Both methods run on the daemon goroutine
// and must not block.
type Handler interface {
	// ServeRequest is called once the connection reaches Responding.
	ServeRequest(c *Conn)
	// ReceiveBody is called with raw body bytes as they arrive. p is only valid
	// during the call.
	ReceiveBody(c *Conn, p []byte)
}

// Router picks the handler for a parsed request head. A nil result leaves the
// connection without a consumer.
type Router func(*Request) Handler

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Serve func(c *Conn)
	Body  func(c *Conn, p []byte)
}

func (h HandlerFuncs) ServeRequest(c *Conn) {
	if h.Serve != nil {
		h.Serve(c)
	}
}

func (h HandlerFuncs) ReceiveBody(c *Conn, p []byte) {
	if h.Body != nil {
		h.Body(c, p)
	}
}

// Conn is one accepted client socket.
type Conn struct {
	fd       int
	addr     net.Addr
	state    State
	buf      []byte
	body     []byte
	received int64
	req      *Request
	handler  Handler
	closing  bool
	closed   bool
}

func (c *Conn) State() State         { return c.state }
func (c *Conn) Request() *Request    { return c.req }
func (c *Conn) RemoteAddr() net.Addr { return c.addr }

// Close asks the daemon to drop the connection once the current callback returns.
func (c *Conn) Close() {
	c.closing = true
}
