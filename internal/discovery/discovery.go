// Package discovery advertises and finds rooms on the local network using
// multicast DNS, so a Client on the same Wi-Fi can find a Host without the
// user typing an address (spec's Supplemented Features: LAN discovery).
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	serviceSuffix = "._roomsync._udp.local"
	queryInterval = 2 * time.Second
)

// roomName builds the mDNS-advertised local name for a room.
func roomName(roomID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(roomID))
	return clean + serviceSuffix
}

// Advertiser publishes a room's presence on the local network so Clients
// can discover the Host without a manual address.
type Advertiser struct {
	conn *mdns.Conn
	log  *slog.Logger
}

// Advertise starts answering mDNS queries for roomID on the local network.
// Close the returned Advertiser to stop.
func Advertise(roomID string, log *slog.Logger) (*Advertiser, error) {
	if log == nil {
		log = slog.Default()
	}
	conn4, err := multicastConn4()
	if err != nil {
		return nil, fmt.Errorf("discovery: open multicast listener: %w", err)
	}

	server, err := mdns.Server(ipv4.NewPacketConn(conn4), ipv6.NewPacketConn(nil), &mdns.Config{
		LocalNames: []string{roomName(roomID)},
	})
	if err != nil {
		_ = conn4.Close()
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}

	log.Info("discovery: advertising room", "roomId", roomID, "name", roomName(roomID))
	return &Advertiser{conn: server, log: log}, nil
}

// Close stops advertising.
func (a *Advertiser) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// DiscoveredRoom is one room found on the local network.
type DiscoveredRoom struct {
	RoomID string
	Addr   net.Addr
}

// Discover queries the local network once for roomID and returns its
// address, or an error if it can't be found within ctx's deadline.
func Discover(ctx context.Context, roomID string, log *slog.Logger) (DiscoveredRoom, error) {
	if log == nil {
		log = slog.Default()
	}
	conn4, err := multicastConn4()
	if err != nil {
		return DiscoveredRoom{}, fmt.Errorf("discovery: open multicast listener: %w", err)
	}
	client, err := mdns.Server(ipv4.NewPacketConn(conn4), ipv6.NewPacketConn(nil), &mdns.Config{})
	if err != nil {
		_ = conn4.Close()
		return DiscoveredRoom{}, fmt.Errorf("discovery: start mdns client: %w", err)
	}
	defer client.Close()

	name := roomName(roomID)
	_, addr, err := client.Query(ctx, name)
	if err != nil {
		return DiscoveredRoom{}, fmt.Errorf("discovery: query %s: %w", name, err)
	}
	log.Debug("discovery: found room", "roomId", roomID, "addr", addr)
	return DiscoveredRoom{RoomID: roomID, Addr: addr}, nil
}

func multicastConn4() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", addr)
}
