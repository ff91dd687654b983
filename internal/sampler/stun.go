package sampler

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// stunPublicAddr performs a STUN binding request and returns the observed
// public address. The result feeds telemetry only; failures never affect the
// health verdict.
func stunPublicAddr(ctx context.Context, server string, timeout time.Duration) (string, error) {
	server = strings.TrimPrefix(strings.TrimSpace(server), "stun:")
	if server == "" {
		return "", fmt.Errorf("empty STUN server")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Dial ourselves so resolution and socket setup are bounded too, not just
	// the binding exchange.
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "udp4", server)
	if err != nil {
		return "", err
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var xorAddr stun.XORMappedAddress
	done := make(chan error, 1)
	go func() {
		done <- client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				return
			}
			_ = xorAddr.GetFrom(res.Message)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		if xorAddr.IP == nil {
			return "", fmt.Errorf("stun response missing mapped address")
		}
		return xorAddr.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
