package tftp

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrRetriesExhausted means the retransmit budget ran out before the server
// answered.
var ErrRetriesExhausted = errors.New("retries exhausted")

// TftpSession is the state of one transfer. It lives for a single Get or Put.
type TftpSession struct {
	Config
	Filename string

	channel Channel
	server  net.Addr // well-known endpoint, where the request goes
	peer    net.Addr // server's transfer endpoint, unset until it first replies
	log     logrus.FieldLogger
	report  *Report

	// last packet sent and where it went, for retransmission
	last   []byte
	lastTo net.Addr
}

// A handler looks at one packet from an acceptable endpoint. It returns true
// (or an error) when the packet ends the current wait; otherwise the packet
// is discarded and the wait goes on.
type handler func(pkt interface{}, from net.Addr) (bool, error)

// receive runs an RRQ, writing accepted blocks to w in order.
func (s *TftpSession) receive(ctx context.Context, w io.Writer) error {
	rrq, err := Request{Op: OPCODE_RRQ, Filename: s.Filename, Mode: MODE_OCTET}.MarshalBinary()
	if err != nil {
		return err
	}

	s.log.Debug("sending RRQ")
	if err = s.transmit(rrq, s.server); err != nil {
		return err
	}

	expected := uint16(1)
	for {
		final := false

		err = s.await(ctx, func(pkt interface{}, from net.Addr) (bool, error) {
			switch p := pkt.(type) {
			case *Data:
				if p.Block == expected && len(p.Payload) <= s.BlockSize {
					if s.peer == nil {
						s.lock(from)
					}

					if _, err := w.Write(p.Payload); err != nil {
						s.sendError(ERR_UNDEFINED, err)
						return true, errors.Wrapf(err, "write block %d", p.Block)
					}
					s.report.block(p.Payload)

					ack, _ := Ack{Block: p.Block}.MarshalBinary()
					s.log.WithField("block", p.Block).Debug("sending ACK")
					if err := s.transmit(ack, s.peer); err != nil {
						return true, err
					}

					final = len(p.Payload) < s.BlockSize
					return true, nil
				}

				if s.report.Blocks > 0 && p.Block == expected-1 {
					// The server missed our ACK. Acknowledge again but
					// don't write the block twice.
					s.log.WithField("block", p.Block).Debug("duplicate DATA, re-sending ACK")
					ack, _ := Ack{Block: p.Block}.MarshalBinary()
					return false, s.channel.Send(ack, s.peer)
				}

				s.log.Debugf("received block %d, expected %d", p.Block, expected)
			case *ErrorPacket:
				return true, s.remoteError(p)
			default:
				s.log.Debugf("ignoring %T while waiting for block %d", pkt, expected)
			}
			return false, nil
		})
		if err != nil {
			return err
		}

		if final {
			return nil
		}
		expected++
	}
}

// send runs a WRQ, reading the file from r in blocks.
func (s *TftpSession) send(ctx context.Context, r io.ReaderAt) error {
	wrq, err := Request{Op: OPCODE_WRQ, Filename: s.Filename, Mode: MODE_OCTET}.MarshalBinary()
	if err != nil {
		return err
	}

	s.log.Debug("sending WRQ")
	if err = s.transmit(wrq, s.server); err != nil {
		return err
	}

	// The server accepts the write with ACK 0 from its transfer endpoint.
	if err = s.await(ctx, s.expectAck(0)); err != nil {
		return err
	}

	buf := make([]byte, s.BlockSize)
	var offset int64

	for block := uint16(1); ; block++ {
		n, err := r.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			s.sendError(ERR_UNDEFINED, err)
			return errors.Wrapf(err, "read block %d", block)
		}

		data, _ := Data{Block: block, Payload: buf[:n]}.MarshalBinary()
		s.log.WithFields(logrus.Fields{"block": block, "size": n}).Debug("sending DATA")
		if err = s.transmit(data, s.peer); err != nil {
			return err
		}

		if err = s.await(ctx, s.expectAck(block)); err != nil {
			return err
		}
		s.report.block(buf[:n])
		offset += int64(n)

		if n < s.BlockSize {
			return nil
		}
	}
}

func (s *TftpSession) expectAck(block uint16) handler {
	return func(pkt interface{}, from net.Addr) (bool, error) {
		switch p := pkt.(type) {
		case *Ack:
			if p.Block != block {
				s.log.Debugf("received ACK %d, expected %d", p.Block, block)
				return false, nil
			}
			if s.peer == nil {
				s.lock(from)
			}
			return true, nil
		case *ErrorPacket:
			return true, s.remoteError(p)
		default:
			s.log.Debugf("ignoring %T while waiting for ACK %d", pkt, block)
		}
		return false, nil
	}
}

// await waits for handle to accept a packet. Each time a receive window
// passes in silence the last packet is sent again, up to Retries times.
func (s *TftpSession) await(ctx context.Context, handle handler) error {
	retries := 0
	for {
		window, cancel := context.WithTimeout(ctx, s.Timeout)
		err := s.window(window, handle)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Cause(err) != ErrTimeout {
			return err
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "transfer aborted")
		}
		if retries >= s.Retries {
			return errors.Wrapf(ErrRetriesExhausted, "no reply after %d retransmits", retries)
		}

		retries++
		s.report.Retransmits++
		s.log.WithField("attempt", retries).Warnf("timeout, retransmitting %s", describe(s.last))
		if err = s.channel.Send(s.last, s.lastTo); err != nil {
			return err
		}
	}
}

// window receives until handle finishes the wait or the window ends.
// Datagrams from endpoints other than the locked peer and undecodable
// datagrams are dropped without resetting the window.
func (s *TftpSession) window(ctx context.Context, handle handler) error {
	for {
		b, from, err := s.channel.Receive(ctx)
		if err != nil {
			return err
		}

		if s.peer != nil && !sameEndpoint(from, s.peer) {
			s.log.WithField("from", from).Debug("ignoring datagram from unknown transfer ID")
			continue
		}

		pkt, err := ParsePacket(b)
		if err != nil {
			s.log.WithError(err).WithField("from", from).Debug("discarding datagram")
			continue
		}

		done, err := handle(pkt, from)
		if done || err != nil {
			return err
		}
	}
}

func (s *TftpSession) transmit(b []byte, to net.Addr) error {
	s.last, s.lastTo = b, to
	return s.channel.Send(b, to)
}

// lock pins the server's transfer endpoint for the rest of the session.
func (s *TftpSession) lock(peer net.Addr) {
	s.peer = peer
	s.log = s.log.WithField("peer", peer.String())
	s.log.Debug("server transfer ID locked")
}

func (s *TftpSession) remoteError(p *ErrorPacket) error {
	s.log.WithFields(logrus.Fields{
		"code":    uint16(p.Code),
		"message": p.Message,
	}).Error("received TFTP error")
	return &RemoteError{Code: p.Code, Message: p.Message}
}

// sendError tells the server we are giving up. Best effort, and only once
// the server's transfer endpoint is known.
func (s *TftpSession) sendError(code ErrorCode, err error) {
	if s.peer == nil {
		return
	}
	b, _ := ErrorPacket{Code: code, Message: fmt.Sprint(err)}.MarshalBinary()
	if err := s.channel.Send(b, s.peer); err != nil {
		s.log.WithError(err).Debug("could not send ERROR")
	}
}

func describe(b []byte) string {
	pkt, err := ParsePacket(b)
	if err != nil {
		return "packet"
	}
	switch p := pkt.(type) {
	case *Request:
		return fmt.Sprintf("%s %s", p.Op, p.Filename)
	case *Data:
		return fmt.Sprintf("DATA %d", p.Block)
	case *Ack:
		return fmt.Sprintf("ACK %d", p.Block)
	}
	return "ERROR"
}
