package endpoint

import (
	"fmt"
	"strings"
)

// TLS support is configuration surface only: any engine other than "off"
// enables it, the protocol and verify-mode strings are validated at Init, and
// the per-connection handshake is a hook that a real TLS implementation can
// replace.

func (ep *Endpoint) sslEnabled() bool {
	return !strings.EqualFold(ep.cfg.SSL.Engine, "off")
}

func (ep *Endpoint) initSSL() error {
	switch strings.ToLower(ep.cfg.SSL.Protocol) {
	case "all", "sslv2", "sslv3", "tlsv1", "sslv2+sslv3":
	default:
		return fmt.Errorf("unknown ssl protocol %q", ep.cfg.SSL.Protocol)
	}
	switch strings.ToLower(ep.cfg.SSL.VerifyClient) {
	case "none", "optional", "require", "optionalnoca":
	default:
		return fmt.Errorf("unknown ssl verify mode %q", ep.cfg.SSL.VerifyClient)
	}
	return nil
}

// handshake performs the TLS handshake on a freshly accepted socket. Stub:
// succeeds without touching the connection.
func (ep *Endpoint) handshake(s *Socket) error {
	return nil
}
