package ca

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PV is a lazily connected process variable. The first operation resolves
// the hosting server and creates the channel; later operations reuse the
// circuit until it drops.
type PV struct {
	client *Client
	name   string

	mu   sync.Mutex
	circ *circuit
	ch   *channel
}

// PV returns a handle for the named process variable.
func (c *Client) PV(name string) *PV {
	return &PV{client: c, name: name}
}

// Name returns the process variable name.
func (p *PV) Name() string { return p.name }

// connect resolves and creates the channel if needed.
func (p *PV) connect(ctx context.Context) (*circuit, *channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && p.circ.alive() {
		return p.circ, p.ch, nil
	}
	p.circ, p.ch = nil, nil

	addr, err := p.client.search(ctx, p.name)
	if err != nil {
		return nil, nil, err
	}
	circ, err := p.client.circuitFor(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	createCtx, cancel := context.WithTimeout(ctx, p.client.timeout)
	defer cancel()
	ch, err := circ.createChannel(createCtx, p.name)
	if err != nil {
		return nil, nil, err
	}
	p.circ, p.ch = circ, ch
	return circ, ch, nil
}

// Get reads the scalar value.
func (p *PV) Get(ctx context.Context) (float64, error) {
	vals, err := p.read(ctx, 1)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("ca: %s returned no data", p.name)
	}
	return vals[0], nil
}

// GetArray reads the full native-count waveform.
func (p *PV) GetArray(ctx context.Context) ([]float64, error) {
	return p.read(ctx, 0)
}

func (p *PV) read(ctx context.Context, count uint32) ([]float64, error) {
	circ, ch, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		count = ch.nativeCount
		if count == 0 {
			count = 1
		}
	}
	return circ.readNotify(ctx, ch, count)
}

// Put writes the scalar value and waits for processing to complete.
func (p *PV) Put(ctx context.Context, value float64) error {
	circ, ch, err := p.connect(ctx)
	if err != nil {
		return err
	}
	return circ.writeNotify(ctx, ch, []float64{value})
}

// Monitor subscribes to value changes. Updates arrive on the returned
// channel until cancel is called, the circuit drops, or ctx ends.
func (p *PV) Monitor(ctx context.Context) (<-chan []float64, func(), error) {
	circ, ch, err := p.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	count := ch.nativeCount
	if count == 0 {
		count = 1
	}
	sub, err := circ.subscribe(ch, count)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() { circ.unsubscribe(ch, sub) })
	}
	return sub.C, cancel, nil
}

// Close releases the channel on the server. The PV reconnects on next use.
func (p *PV) Close() {
	p.mu.Lock()
	circ, ch := p.circ, p.ch
	p.circ, p.ch = nil, nil
	p.mu.Unlock()
	if circ != nil && ch != nil && circ.alive() {
		circ.clearChannel(ch)
	}
}

// CollectData gathers shots monitor updates from every PV, mirroring an
// N-shot acquisition. The result is indexed [pv][shot]; each shot is the
// full update payload (scalar updates have length 1).
func CollectData(ctx context.Context, pvs []*PV, shots int) ([][][]float64, error) {
	if shots <= 0 {
		return nil, errors.New("ca: shots must be positive")
	}
	out := make([][][]float64, len(pvs))
	for i, pv := range pvs {
		updates, cancel, err := pv.Monitor(ctx)
		if err != nil {
			return nil, fmt.Errorf("ca: collect %s: %w", pv.Name(), err)
		}
		collected := make([][]float64, 0, shots)
		for len(collected) < shots {
			select {
			case <-ctx.Done():
				cancel()
				return nil, ctx.Err()
			case vals, ok := <-updates:
				if !ok {
					cancel()
					return nil, fmt.Errorf("ca: collect %s: %w", pv.Name(), ErrCircuitClosed)
				}
				collected = append(collected, vals)
			}
		}
		cancel()
		out[i] = collected
	}
	return out, nil
}
