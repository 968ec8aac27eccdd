package ca

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no server answers a name search within the
// connection timeout.
var ErrNotFound = errors.New("ca: channel not found")

// searchBackoff spaces repeated name-search datagrams.
var searchBackoff = []time.Duration{
	30 * time.Millisecond,
	60 * time.Millisecond,
	120 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
}

// Client resolves channel names against the configured address list and
// pools one virtual circuit per server.
type Client struct {
	addrs   []string
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
	nextCID  uint32
}

// NewClient builds a client for the given "host:port" address list,
// equivalent to an EPICS address list.
func NewClient(addrs []string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		addrs:    normalizeAddrs(addrs),
		timeout:  timeout,
		log:      log,
		circuits: make(map[string]*circuit),
	}
}

// normalizeAddrs applies the default server port to bare hostnames.
func normalizeAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, _, err := net.SplitHostPort(a); err != nil {
			a = net.JoinHostPort(a, strconv.Itoa(serverPort))
		}
		out = append(out, a)
	}
	return out
}

// Close drops all circuits.
func (c *Client) Close() {
	c.mu.Lock()
	circuits := c.circuits
	c.circuits = make(map[string]*circuit)
	c.mu.Unlock()
	for _, circ := range circuits {
		circ.close()
	}
}

// search resolves a channel name to the "host:port" of the hosting server
// via UDP name search with backoff.
func (c *Client) search(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return "", fmt.Errorf("ca: search socket: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.nextCID++
	cid := c.nextCID
	c.mu.Unlock()

	datagram := append(versionMessage().marshal(), searchMessage(name, cid).marshal()...)

	targets := make([]*net.UDPAddr, 0, len(c.addrs))
	for _, a := range c.addrs {
		ua, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			c.log.Warn("bad search address", zap.String("addr", a), zap.Error(err))
			continue
		}
		targets = append(targets, ua)
	}
	if len(targets) == 0 {
		return "", errors.New("ca: no usable search addresses")
	}

	buf := make([]byte, 1024)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		for _, t := range targets {
			if _, err := conn.WriteToUDP(datagram, t); err != nil {
				c.log.Debug("search send failed", zap.String("addr", t.String()), zap.Error(err))
			}
		}

		wait := searchBackoff[min(attempt, len(searchBackoff)-1)]
		deadline := time.Now().Add(wait)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = conn.SetReadDeadline(deadline)

		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				break // resend and back off
			}
			if addr, ok := parseSearchReply(buf[:n], cid, from); ok {
				return addr, nil
			}
		}
	}
}

// parseSearchReply extracts the server endpoint from a search response
// datagram, which may carry a leading version frame.
func parseSearchReply(datagram []byte, cid uint32, from *net.UDPAddr) (string, bool) {
	rest := datagram
	for len(rest) > 0 {
		m, consumed, err := unmarshal(rest)
		if err != nil {
			return "", false
		}
		rest = rest[consumed:]
		if m.Command != cmdSearch || m.Param2 != cid {
			continue
		}
		port := int(m.DataType)
		ip := from.IP
		if m.Param1 != 0xFFFFFFFF {
			raw := make([]byte, 4)
			binary.BigEndian.PutUint32(raw, m.Param1)
			ip = net.IP(raw)
		}
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), true
	}
	return "", false
}

// circuitFor returns (dialing if needed) the circuit for a server address.
func (c *Client) circuitFor(ctx context.Context, addr string) (*circuit, error) {
	c.mu.Lock()
	circ, ok := c.circuits[addr]
	if ok && circ.alive() {
		c.mu.Unlock()
		return circ, nil
	}
	delete(c.circuits, addr)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	circ, err := dialCircuit(dialCtx, addr, c.log.With(zap.String("server", addr)))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.circuits[addr]; ok && existing.alive() {
		c.mu.Unlock()
		circ.close()
		return existing, nil
	}
	c.circuits[addr] = circ
	c.mu.Unlock()
	return circ, nil
}
