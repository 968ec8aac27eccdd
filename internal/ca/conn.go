package ca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrCircuitClosed is returned for operations on a lost virtual circuit.
var ErrCircuitClosed = errors.New("ca: circuit closed")

// channel is one created channel on a circuit.
type channel struct {
	name        string
	cid         uint32
	sid         uint32
	nativeType  uint16
	nativeCount uint32
}

// createResult resolves a pending CREATE_CHAN.
type createResult struct {
	sid         uint32
	nativeType  uint16
	nativeCount uint32
}

// ioResult resolves a pending READ_NOTIFY or WRITE_NOTIFY.
type ioResult struct {
	status  uint32
	count   uint32
	payload []byte
}

// subscription is one EVENT_ADD monitor. Updates arrive on C; the channel
// is closed when the subscription is cancelled or the circuit drops.
type subscription struct {
	id uint32
	C  chan []float64
}

// circuit is one TCP virtual circuit to a Channel Access server.
type circuit struct {
	conn net.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	nextID        uint32
	pendingCreate map[uint32]chan createResult
	pendingIO     map[uint32]chan ioResult
	subs          map[uint32]*subscription
	err           error
	closed        chan struct{}
}

// dialCircuit opens a circuit and performs the version/name handshake.
func dialCircuit(ctx context.Context, addr string, log *zap.Logger) (*circuit, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ca: dial %s: %w", addr, err)
	}

	c := &circuit{
		conn:          conn,
		log:           log,
		pendingCreate: make(map[uint32]chan createResult),
		pendingIO:     make(map[uint32]chan ioResult),
		subs:          make(map[uint32]*subscription),
		closed:        make(chan struct{}),
	}

	user := os.Getenv("USER")
	if user == "" {
		user = "photodiag"
	}
	host, _ := os.Hostname()
	handshake := [][]byte{
		versionMessage().marshal(),
		(&message{Command: cmdClientName, Payload: padTo8(append([]byte(user), 0))}).marshal(),
		(&message{Command: cmdHostName, Payload: padTo8(append([]byte(host), 0))}).marshal(),
	}
	for _, frame := range handshake {
		if _, err := conn.Write(frame); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ca: handshake: %w", err)
		}
	}

	go c.readLoop()
	return c, nil
}

// id hands out circuit-unique identifiers for cids, ioids and
// subscription ids.
func (c *circuit) id() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// send writes one frame to the circuit.
func (c *circuit) send(m *message) error {
	select {
	case <-c.closed:
		return ErrCircuitClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(m.marshal())
	return err
}

// readLoop owns the TCP read side, dispatching responses to waiters.
func (c *circuit) readLoop() {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				msg, consumed, err := unmarshal(buf)
				if errors.Is(err, errTruncated) {
					break
				}
				if err != nil {
					c.fail(err)
					return
				}
				buf = buf[consumed:]
				c.dispatch(msg)
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// dispatch routes one server frame.
func (c *circuit) dispatch(m *message) {
	switch m.Command {
	case cmdVersion, cmdAccessRights, cmdEcho:
		// informational
	case cmdCreateChan:
		c.mu.Lock()
		ch := c.pendingCreate[m.Param1]
		delete(c.pendingCreate, m.Param1)
		c.mu.Unlock()
		if ch != nil {
			ch <- createResult{sid: m.Param2, nativeType: m.DataType, nativeCount: m.DataCount}
		}
	case cmdReadNotify, cmdWriteNotify:
		c.mu.Lock()
		ch := c.pendingIO[m.Param2]
		delete(c.pendingIO, m.Param2)
		c.mu.Unlock()
		if ch != nil {
			ch <- ioResult{status: m.Param1, count: m.DataCount, payload: m.Payload}
		}
	case cmdEventAdd:
		c.mu.Lock()
		sub := c.subs[m.Param2]
		if sub != nil && len(m.Payload) == 0 {
			// cancel confirmation
			delete(c.subs, m.Param2)
		}
		c.mu.Unlock()
		if sub == nil {
			return
		}
		if len(m.Payload) == 0 {
			close(sub.C)
			return
		}
		vals, err := decodeDoubles(m.Payload, int(m.DataCount))
		if err != nil {
			c.log.Warn("monitor payload decode failed", zap.Error(err))
			return
		}
		select {
		case sub.C <- vals:
		default:
			// drop update rather than stall the circuit
		}
	case cmdError:
		c.log.Warn("server error frame", zap.Uint32("status", m.Param2))
	}
}

// fail tears the circuit down, failing all waiters.
func (c *circuit) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
		close(c.closed)
	}
	creates := c.pendingCreate
	ios := c.pendingIO
	subs := c.subs
	c.pendingCreate = make(map[uint32]chan createResult)
	c.pendingIO = make(map[uint32]chan ioResult)
	c.subs = make(map[uint32]*subscription)
	c.mu.Unlock()

	for _, ch := range creates {
		close(ch)
	}
	for _, ch := range ios {
		close(ch)
	}
	for _, sub := range subs {
		close(sub.C)
	}
	c.conn.Close()
}

// close shuts the circuit down.
func (c *circuit) close() {
	c.fail(ErrCircuitClosed)
}

// alive reports whether the circuit is still usable.
func (c *circuit) alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// createChannel creates a channel for name on the circuit.
func (c *circuit) createChannel(ctx context.Context, name string) (*channel, error) {
	cid := c.id()
	wait := make(chan createResult, 1)
	c.mu.Lock()
	c.pendingCreate[cid] = wait
	c.mu.Unlock()

	err := c.send(&message{
		Command: cmdCreateChan,
		Param1:  cid,
		Param2:  protocolVersion,
		Payload: namePayload(name),
	})
	if err != nil {
		return nil, fmt.Errorf("ca: create channel %s: %w", name, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingCreate, cid)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res, ok := <-wait:
		if !ok {
			return nil, ErrCircuitClosed
		}
		return &channel{
			name:        name,
			cid:         cid,
			sid:         res.sid,
			nativeType:  res.nativeType,
			nativeCount: res.nativeCount,
		}, nil
	}
}

// readNotify reads count doubles from a channel.
func (c *circuit) readNotify(ctx context.Context, ch *channel, count uint32) ([]float64, error) {
	ioid := c.id()
	wait := make(chan ioResult, 1)
	c.mu.Lock()
	c.pendingIO[ioid] = wait
	c.mu.Unlock()

	err := c.send(&message{
		Command:   cmdReadNotify,
		DataType:  dbrDouble,
		DataCount: count,
		Param1:    ch.sid,
		Param2:    ioid,
	})
	if err != nil {
		return nil, fmt.Errorf("ca: read %s: %w", ch.name, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingIO, ioid)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res, ok := <-wait:
		if !ok {
			return nil, ErrCircuitClosed
		}
		if res.status != ecaNormal {
			return nil, fmt.Errorf("ca: read %s: status %d", ch.name, res.status)
		}
		return decodeDoubles(res.payload, int(res.count))
	}
}

// writeNotify writes doubles to a channel and waits for completion.
func (c *circuit) writeNotify(ctx context.Context, ch *channel, vals []float64) error {
	ioid := c.id()
	wait := make(chan ioResult, 1)
	c.mu.Lock()
	c.pendingIO[ioid] = wait
	c.mu.Unlock()

	err := c.send(&message{
		Command:   cmdWriteNotify,
		DataType:  dbrDouble,
		DataCount: uint32(len(vals)),
		Param1:    ch.sid,
		Param2:    ioid,
		Payload:   encodeDoubles(vals),
	})
	if err != nil {
		return fmt.Errorf("ca: write %s: %w", ch.name, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingIO, ioid)
		c.mu.Unlock()
		return ctx.Err()
	case res, ok := <-wait:
		if !ok {
			return ErrCircuitClosed
		}
		if res.status != ecaNormal {
			return fmt.Errorf("ca: write %s: status %d", ch.name, res.status)
		}
		return nil
	}
}

// subscribe adds a value-change monitor on a channel.
func (c *circuit) subscribe(ch *channel, count uint32) (*subscription, error) {
	subID := c.id()
	sub := &subscription{id: subID, C: make(chan []float64, 64)}
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	err := c.send(&message{
		Command:   cmdEventAdd,
		DataType:  dbrDouble,
		DataCount: count,
		Param1:    ch.sid,
		Param2:    subID,
		Payload:   eventAddPayload(eventValueMask),
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, fmt.Errorf("ca: subscribe %s: %w", ch.name, err)
	}
	return sub, nil
}

// unsubscribe cancels a monitor. The server confirms with an empty
// EVENT_ADD frame, which closes the update channel.
func (c *circuit) unsubscribe(ch *channel, sub *subscription) {
	_ = c.send(&message{
		Command:   cmdEventCancel,
		DataType:  dbrDouble,
		DataCount: ch.nativeCount,
		Param1:    ch.sid,
		Param2:    sub.id,
	})
}

// clearChannel releases a channel on the server.
func (c *circuit) clearChannel(ch *channel) {
	_ = c.send(&message{
		Command: cmdClearChannel,
		Param1:  ch.sid,
		Param2:  ch.cid,
	})
}
