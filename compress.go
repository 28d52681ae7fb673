package imap

import (
	"compress/flate"
	"io"
	"net"
)

// deflateConn applies COMPRESS=DEFLATE (RFC 4978) to both directions of a
// stream. Deadlines and addresses still come from the wrapped conn.
type deflateConn struct {
	net.Conn

	r io.ReadCloser
	w *flate.Writer
}

func (c *deflateConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *deflateConn) Write(b []byte) (int, error) {
	return c.w.Write(b)
}

type flusher interface {
	Flush() error
}

// Flush pushes buffered compressed bytes to the wire. It must follow every
// complete command.
func (c *deflateConn) Flush() error {
	if f, ok := c.Conn.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *deflateConn) Close() error {
	rerr := c.r.Close()
	werr := c.w.Close()
	cerr := c.Conn.Close()
	if cerr != nil {
		return cerr
	}
	if werr != nil {
		return werr
	}
	return rerr
}

func newDeflateConn(c net.Conn) (net.Conn, error) {
	w, err := flate.NewWriter(c, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return &deflateConn{
		Conn: c,
		r:    flate.NewReader(c),
		w:    w,
	}, nil
}
