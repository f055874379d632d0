package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType   = "_p2pshare-tracker._tcp"
	serviceDomain = "local."
)

// ErrNoTracker is returned when browsing finds nothing before the timeout.
var ErrNoTracker = errors.New("discovery: no tracker found")

// TrackerEntry is a tracker announced over mDNS.
type TrackerEntry struct {
	Addr       string
	EnrollAddr string
}

// Advertise announces the tracker until the returned stop func is called.
func Advertise(instance string, port, enrollPort int) (func(), error) {
	txt := []string{
		"v=1",
		fmt.Sprintf("enroll=%d", enrollPort),
	}
	srv, err := zeroconf.Register(instance, serviceType, serviceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return srv.Shutdown, nil
}

// BrowseTracker returns the first tracker seen within timeout.
func BrowseTracker(ctx context.Context, timeout time.Duration) (TrackerEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return TrackerEntry{}, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return TrackerEntry{}, fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return TrackerEntry{}, ErrNoTracker
			}
			if te, ok := trackerFromEntry(entry); ok {
				return te, nil
			}
		case <-ctx.Done():
			return TrackerEntry{}, ErrNoTracker
		}
	}
}

func trackerFromEntry(entry *zeroconf.ServiceEntry) (TrackerEntry, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return TrackerEntry{}, false
	}
	ip := entry.AddrIPv4[0].String()
	te := TrackerEntry{Addr: net.JoinHostPort(ip, strconv.Itoa(entry.Port))}
	for _, kv := range entry.Text {
		if v, ok := strings.CutPrefix(kv, "enroll="); ok {
			te.EnrollAddr = net.JoinHostPort(ip, v)
		}
	}
	return te, true
}
