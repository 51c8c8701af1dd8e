// Package discovery finds Signal K servers on the local network via mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/rs/zerolog/log"
)

const (
	// ServiceTypeWS is announced by servers offering the websocket stream
	ServiceTypeWS = "_signalk-ws._tcp"
	// ServiceTypeWSS is announced for the TLS websocket stream
	ServiceTypeWSS = "_signalk-wss._tcp"
	// ServiceTypeHTTP is announced by servers offering the REST api
	ServiceTypeHTTP = "_signalk-http._tcp"

	Domain = "local."
)

// Server found on the network
type Server struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	TXT       map[string]string
	// context of the server's own vessel, if announced
	Self string
	TLS  bool
}

// address to connect to, preferring IPv4
func (s Server) address() string {
	for _, a := range s.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	if len(s.Addresses) > 0 {
		return s.Addresses[0]
	}
	return strings.TrimSuffix(s.Host, ".")
}

// StreamURL of the websocket stream, without any subscription
func (s Server) StreamURL() string {
	scheme := "ws"
	if s.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/signalk/v1/stream?subscribe=none", scheme, net.JoinHostPort(s.address(), strconv.Itoa(s.Port)))
}

// BaseURL of the REST api (same host and port as the stream)
func (s Server) BaseURL() string {
	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(s.address(), strconv.Itoa(s.Port)))
}

// Config of the browser
type Config struct {
	// network interface to browse on, all if empty
	Interface string
}

// Browse searches for Signal K servers announcing the websocket stream
//
// Services are aggregated by instance name; every server is emitted once.
// The channel is closed when ctx is done.
func Browse(ctx context.Context, cfg Config) (<-chan Server, error) {
	out := make(chan Server)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				srv := entryToServer(entry)
				if _, found := seen[srv.Instance]; found {
					continue
				}
				seen[srv.Instance] = struct{}{}
				log.Info().Msgf("Found Signal K server %s at %s", srv.Instance, srv.StreamURL())
				select {
				case out <- srv:
				case <-ctx.Done():
					return
				}
			case entry, ok := <-removed:
				if !ok {
					continue
				}
				delete(seen, entry.Instance)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, ServiceTypeWS, Domain, entries, removed, browserOptions(cfg)...); err != nil {
			log.Error().Msgf("mDNS browse failed: %s", err)
		}
	}()

	return out, nil
}

// Lookup browses for timeout and returns all servers found
func Lookup(ctx context.Context, cfg Config, timeout time.Duration) ([]Server, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	found, err := Browse(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var servers []Server
	for srv := range found {
		servers = append(servers, srv)
	}
	return servers, nil
}

func browserOptions(cfg Config) []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if cfg.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			log.Warn().Msgf("Unknown interface %s: %s", cfg.Interface, err)
		}
	}
	return opts
}

func entryToServer(entry *zeroconf.ServiceEntry) Server {
	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)
	return newServer(entry.Instance, entry.HostName, entry.Port, entry.Text, ips)
}

func newServer(instance, host string, port int, text []string, ips []net.IP) Server {
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	txt := parseTXT(text)
	srv := Server{
		Instance:  instance,
		Host:      host,
		Port:      port,
		Addresses: addrs,
		TXT:       txt,
	}
	if self := txt["self"]; self != "" {
		srv.Self = self
		if !strings.HasPrefix(self, "vessels.") {
			srv.Self = "vessels." + self
		}
	}
	return srv
}

// parseTXT turns `key=value` records into a map
func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			txt[strings.ToLower(k)] = v
		}
	}
	return txt
}
