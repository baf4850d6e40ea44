package tftp

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TftpClient moves single files to and from one TFTP server in octet mode.
// Each Get or Put is an independent transfer on its own socket.
type TftpClient struct {
	Config
	Host string
}

func NewClient(host string, opts ...Option) *TftpClient {
	c := &TftpClient{Config: defaultConfig(), Host: host}
	for _, opt := range opts {
		opt(&c.Config)
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Get downloads filename from the server into the local path. The local file
// is created or truncated before the request goes out and is removed again if
// the transfer fails.
func (c *TftpClient) Get(ctx context.Context, filename, local string) (report *Report, err error) {
	if err = c.validate(); err != nil {
		return nil, err
	}
	server, err := c.resolve()
	if err != nil {
		return nil, err
	}

	file, err := os.Create(local)
	if err != nil {
		return nil, errors.Wrap(err, "create destination")
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			report, err = nil, errors.Wrap(cerr, "close destination")
		}
		if err != nil {
			if rerr := os.Remove(local); rerr != nil {
				c.Logger.WithError(rerr).Warn("could not remove partial download")
			}
		}
	}()

	s, err := c.open(OPCODE_RRQ, filename, server)
	if err != nil {
		return nil, err
	}
	defer s.channel.Close()

	if err = s.receive(ctx, file); err != nil {
		s.log.WithError(err).Warn("download failed")
		return nil, err
	}
	return s.done(), nil
}

// Put uploads the local file to the server as filename. A missing or
// unreadable source fails before anything is sent.
func (c *TftpClient) Put(ctx context.Context, local, filename string) (*Report, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	file, err := os.Open(local)
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat source")
	}
	if info.IsDir() {
		return nil, errors.Errorf("%s is a directory", local)
	}

	server, err := c.resolve()
	if err != nil {
		return nil, err
	}

	s, err := c.open(OPCODE_WRQ, filename, server)
	if err != nil {
		return nil, err
	}
	defer s.channel.Close()

	if err = s.send(ctx, file); err != nil {
		s.log.WithError(err).Warn("upload failed")
		return nil, err
	}
	return s.done(), nil
}

func (c *TftpClient) resolve() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
	return addr, errors.Wrapf(err, "resolve %s", c.Host)
}

// open starts a session with its own transport.
func (c *TftpClient) open(opcode OpCode, filename string, server net.Addr) (*TftpSession, error) {
	channel, err := c.Listen(c.Timeout)
	if err != nil {
		return nil, err
	}

	return &TftpSession{
		Config:   c.Config,
		Filename: filename,
		channel:  channel,
		server:   server,
		report:   newReport(filename),
		log: c.Logger.WithFields(logrus.Fields{
			"transfer": uuid.NewString(),
			"op":       opcode.String(),
			"file":     filename,
			"server":   server.String(),
		}),
	}, nil
}

func (s *TftpSession) done() *Report {
	s.report.finish()
	rate, unit := s.report.Rate()
	s.log.WithFields(logrus.Fields{
		"bytes":       s.report.Bytes,
		"blocks":      s.report.Blocks,
		"retransmits": s.report.Retransmits,
		"rate":        strconv.FormatFloat(rate, 'f', 2, 64) + " " + unit,
	}).Info("transfer complete")
	return s.report
}
