package sampler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"
)

const echoPrefix = "tunwatch-echo:"

// ErrProbeTimeout marks a reachability probe that did not complete within the
// bounded probe timeout. Transient: counted toward the failure threshold,
// never fatal.
var ErrProbeTimeout = errors.New("probe timed out")

// EchoProbe sends a single UDP echo to addr and measures the round trip.
// It never blocks longer than timeout.
func EchoProbe(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, classifyTimeout(err)
	}
	defer conn.Close()

	nonce, err := randomNonce(8)
	if err != nil {
		return 0, err
	}
	msg := []byte(echoPrefix + nonce)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(timeout)) {
		_ = conn.SetDeadline(deadline)
	}

	start := time.Now()
	if _, err := conn.Write(msg); err != nil {
		return 0, classifyTimeout(err)
	}

	buf := make([]byte, len(msg)+64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0, classifyTimeout(err)
		}
		if string(buf[:n]) == string(msg) {
			return time.Since(start), nil
		}
		// Stray datagram on the socket; keep waiting for our nonce.
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
}

// Responder answers echo probes so the peer watchdog can measure the tunnel
// from its side.
type Responder struct {
	conn *net.UDPConn
}

// StartResponder listens on addr (e.g. ":7099") and echoes probe datagrams.
func StartResponder(addr string) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	resp := &Responder{conn: conn}
	go resp.serve()
	return resp, nil
}

// LocalAddr returns the responder's bound address.
func (r *Responder) LocalAddr() string {
	if r == nil || r.conn == nil {
		return ""
	}
	return r.conn.LocalAddr().String()
}

// Close stops the responder.
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Responder) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n >= len(echoPrefix) && string(buf[:len(echoPrefix)]) == echoPrefix {
			_, _ = r.conn.WriteToUDP(buf[:n], addr)
		}
	}
}

func classifyTimeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	return err
}

func randomNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
