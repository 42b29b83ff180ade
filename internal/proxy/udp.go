package proxy

import (
	"context"
	"fmt"
	"net"
	"time"
)

// comparePollTimeout bounds how long ComparePoll waits for the external
// module to answer, so the coordinator loop stays live even if the module
// is wedged (spec §5, "short receive timeout... design: 500ms").
const comparePollTimeout = 500 * time.Millisecond

// UDP is a skeleton Proxy that reaches an external packet-comparison module
// over a datagram socket. The wire format between this process and that
// module is explicitly out of scope (spec §4.7: "the core must not assume a
// specific transport"), so this implementation only shapes the
// request/response exchange as single best-effort datagrams and treats any
// non-empty reply as "checkpoint needed" — real deployments are expected to
// replace this with a transport matching their compare module.
type UDP struct {
	conn *net.UDPConn
}

// DialUDP opens a UDP socket to addr for compare-poll exchanges.
func DialUDP(addr string) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: dial %s: %w", addr, err)
	}
	return &UDP{conn: conn}, nil
}

func (u *UDP) Init(mode Mode) error {
	_, err := u.conn.Write([]byte("INIT " + string(mode)))
	return err
}

func (u *UDP) Destroy(mode Mode) error {
	_, err := u.conn.Write([]byte("DESTROY " + string(mode)))
	return err
}

func (u *UDP) CheckpointSignal(mode Mode) error {
	_, err := u.conn.Write([]byte("CKPT " + string(mode)))
	return err
}

func (u *UDP) Failover() error {
	_, err := u.conn.Write([]byte("FAILOVER"))
	return err
}

func (u *UDP) ComparePoll(ctx context.Context) (PollResult, error) {
	deadline := time.Now().Add(comparePollTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return PollError, fmt.Errorf("proxy: set read deadline: %w", err)
	}

	if _, err := u.conn.Write([]byte("POLL")); err != nil {
		return PollError, fmt.Errorf("proxy: poll write: %w", err)
	}

	buf := make([]byte, 64)
	n, err := u.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return NoChange, nil
		}
		return PollError, fmt.Errorf("proxy: poll read: %w", err)
	}
	if n > 0 {
		return CheckpointNeeded, nil
	}
	return NoChange, nil
}

var _ Proxy = (*UDP)(nil)
