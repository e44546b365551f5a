package capture

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// InterfaceChecker validates a capture interface name.
type InterfaceChecker interface {
	Check(name string) error
}

// LinkChecker resolves interfaces through netlink, falling back to the
// portable net package where netlink is unavailable.
type LinkChecker struct{}

// Check returns nil if name is an existing interface or the pseudo
// interface "any".
func (LinkChecker) Check(name string) error {
	if name == "" {
		return fmt.Errorf("empty interface name")
	}
	if name == "any" {
		return nil
	}
	link, err := netlink.LinkByName(name)
	if err == nil {
		if link.Attrs().OperState == netlink.OperDown {
			return fmt.Errorf("interface %s is down", name)
		}
		return nil
	}
	if _, ierr := net.InterfaceByName(name); ierr != nil {
		return fmt.Errorf("interface %s: %w", name, err)
	}
	return nil
}

// NoopChecker accepts every non-empty name. It is used when the capture
// runs on a remote host.
type NoopChecker struct{}

// Check implements InterfaceChecker.
func (NoopChecker) Check(name string) error {
	if name == "" {
		return fmt.Errorf("empty interface name")
	}
	return nil
}
