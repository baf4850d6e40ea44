package tftp

import (
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// testServer is a loopback RFC 1350 server for end-to-end tests. Like a real
// server it answers every request from a fresh ephemeral port.
type testServer struct {
	conn      net.PacketConn
	blocksize int
	timeout   time.Duration

	// drop, when set, sees every outgoing packet and discards it by
	// returning true.
	drop func(b []byte) bool

	mu    sync.Mutex
	files map[string][]byte
	wg    sync.WaitGroup
}

// newTestServer starts a server; configure runs before it serves anything.
func newTestServer(t *testing.T, configure ...func(*testServer)) *testServer {
	t.Helper()
	conn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}

	s := &testServer{
		conn:      conn,
		blocksize: DEFAULT_BLOCKSIZE,
		timeout:   100 * time.Millisecond,
		files:     make(map[string][]byte),
	}
	for _, f := range configure {
		f(s)
	}
	go s.listen()

	t.Cleanup(func() {
		conn.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *testServer) file(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	return b, ok
}

func (s *testServer) store(name string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = b
}

func (s *testServer) listen() {
	for {
		buf := make([]byte, 1500)
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		pkt, err := ParsePacket(buf[:n])
		req, ok := pkt.(*Request)
		if err != nil || !ok {
			continue
		}

		s.wg.Add(1)
		go s.handleClient(req, addr)
	}
}

func (s *testServer) handleClient(req *Request, addr net.Addr) {
	defer s.wg.Done()

	conn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		return
	}
	defer conn.Close()

	switch req.Op {
	case OPCODE_RRQ:
		s.serveRead(conn, addr, req.Filename)
	case OPCODE_WRQ:
		s.serveWrite(conn, addr, req.Filename)
	}
}

func (s *testServer) write(conn net.PacketConn, addr net.Addr, b []byte) {
	if s.drop != nil && s.drop(b) {
		return
	}
	conn.WriteTo(b, addr)
}

// next reads the next packet from addr, or returns nil on timeout.
func (s *testServer) next(conn net.PacketConn, addr net.Addr) (interface{}, error) {
	buf := make([]byte, s.blocksize+4)
	conn.SetReadDeadline(time.Now().Add(s.timeout))
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, nil
			}
			return nil, err
		}
		if !sameEndpoint(from, addr) {
			continue
		}
		if pkt, err := ParsePacket(buf[:n]); err == nil {
			return pkt, nil
		}
	}
}

func (s *testServer) serveRead(conn net.PacketConn, addr net.Addr, name string) {
	payload, ok := s.file(name)
	if !ok {
		b, _ := ErrorPacket{Code: ERR_NOT_FOUND, Message: name + " does not exist"}.MarshalBinary()
		s.write(conn, addr, b)
		return
	}

	for block, offset := uint16(1), 0; ; block++ {
		end := offset + s.blocksize
		if end > len(payload) {
			end = len(payload)
		}
		data, _ := Data{Block: block, Payload: payload[offset:end]}.MarshalBinary()

		acked := false
		for retries := 0; retries < 10 && !acked; retries++ {
			s.write(conn, addr, data)
			for {
				pkt, err := s.next(conn, addr)
				if err != nil {
					return
				}
				if pkt == nil {
					break
				}
				if ack, ok := pkt.(*Ack); ok && ack.Block == block {
					acked = true
					break
				}
			}
		}
		if !acked {
			return
		}

		if end-offset < s.blocksize {
			return
		}
		offset = end
	}
}

func (s *testServer) serveWrite(conn net.PacketConn, addr net.Addr, name string) {
	var received []byte
	var blocks uint16

	ack, _ := Ack{Block: 0}.MarshalBinary()
	s.write(conn, addr, ack)

	for retries := 0; retries < 10; {
		pkt, err := s.next(conn, addr)
		if err != nil {
			return
		}
		if pkt == nil {
			// resend our last ACK
			retries++
			s.write(conn, addr, ack)
			continue
		}

		data, ok := pkt.(*Data)
		if !ok {
			continue
		}
		switch data.Block {
		case blocks + 1:
			received = append(received, data.Payload...)
			blocks++
			ack, _ = Ack{Block: blocks}.MarshalBinary()
			s.write(conn, addr, ack)
			retries = 0

			if len(data.Payload) < s.blocksize {
				s.store(name, received)
				return
			}
		case blocks:
			// duplicate packet
			s.write(conn, addr, ack)
		}
	}
}
