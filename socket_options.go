package proactor

import (
	"github.com/rs/zerolog/log"
)

// SocketOptions are applied to sockets created or accepted by the echo server and client.
// Zero buffer sizes keep the kernel defaults.
type SocketOptions struct {
	SendBufferSize    int  `yaml:"send_buffer_size" toml:"send_buffer_size"`
	ReceiveBufferSize int  `yaml:"receive_buffer_size" toml:"receive_buffer_size"`
	ReuseAddress      bool `yaml:"reuse_address" toml:"reuse_address"`
}

// applySocketOptions makes s non-blocking and applies opts. Only a failure to switch to
// non-blocking mode is returned; the rest are logged, the socket stays usable without them.
func applySocketOptions(s *Socket, opts SocketOptions) error {
	err := s.SetNonBlocking()
	if err != nil {
		return err
	}
	if opts.ReuseAddress {
		if err := s.SetReuseAddress(); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_REUSEADDR: %+v", s.Fd(), err)
		}
	}
	if opts.ReceiveBufferSize > 0 {
		if err := s.SetReceiveBufferSize(opts.ReceiveBufferSize); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_RCVBUF: %+v", s.Fd(), err)
		}
	}
	if opts.SendBufferSize > 0 {
		if err := s.SetSendBufferSize(opts.SendBufferSize); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_SNDBUF: %+v", s.Fd(), err)
		}
	}
	return nil
}
