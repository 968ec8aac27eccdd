package ca

import (
	"context"
	"fmt"
	"time"
)

// dmovPollInterval paces the move-completion poll on the .DMOV field.
const dmovPollInterval = 100 * time.Millisecond

// SoftLimitError reports a requested position outside the motor's soft
// limits.
type SoftLimitError struct {
	Position float64
	Low      float64
	High     float64
}

func (e *SoftLimitError) Error() string {
	return fmt.Sprintf("ca: position %g outside soft limits [%g, %g]", e.Position, e.Low, e.High)
}

// Motor wraps an EPICS motor record: setpoint writes on .VAL, readback on
// .RBV, completion on .DMOV, soft limits on .LLM/.HLM.
type Motor struct {
	name string
	val  *PV
	rbv  *PV
	dmov *PV
	llm  *PV
	hlm  *PV
}

// Motor returns a motor-record wrapper for the given record name.
func (c *Client) Motor(name string) *Motor {
	return &Motor{
		name: name,
		val:  c.PV(name + ".VAL"),
		rbv:  c.PV(name + ".RBV"),
		dmov: c.PV(name + ".DMOV"),
		llm:  c.PV(name + ".LLM"),
		hlm:  c.PV(name + ".HLM"),
	}
}

// Name returns the motor record name.
func (m *Motor) Name() string { return m.name }

// Position reads the motor readback.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	return m.rbv.Get(ctx)
}

// MonitorPosition subscribes to readback updates.
func (m *Motor) MonitorPosition(ctx context.Context) (<-chan []float64, func(), error) {
	return m.rbv.Monitor(ctx)
}

// Limits reads the soft limits. Both zero means limits are disabled.
func (m *Motor) Limits(ctx context.Context) (low, high float64, err error) {
	low, err = m.llm.Get(ctx)
	if err != nil {
		return 0, 0, err
	}
	high, err = m.hlm.Get(ctx)
	if err != nil {
		return 0, 0, err
	}
	return low, high, nil
}

// Move drives the motor to pos and waits for the move to finish. A target
// outside the soft limits returns a SoftLimitError without moving.
func (m *Motor) Move(ctx context.Context, pos float64) error {
	low, high, err := m.Limits(ctx)
	if err != nil {
		return fmt.Errorf("ca: motor %s limits: %w", m.name, err)
	}
	if low != 0 || high != 0 {
		if pos < low || pos > high {
			return &SoftLimitError{Position: pos, Low: low, High: high}
		}
	}

	if err := m.val.Put(ctx, pos); err != nil {
		return fmt.Errorf("ca: motor %s move: %w", m.name, err)
	}
	return m.waitDone(ctx)
}

// waitDone polls .DMOV until the record reports the move complete.
func (m *Motor) waitDone(ctx context.Context) error {
	ticker := time.NewTicker(dmovPollInterval)
	defer ticker.Stop()
	for {
		done, err := m.dmov.Get(ctx)
		if err != nil {
			return fmt.Errorf("ca: motor %s done flag: %w", m.name, err)
		}
		if done != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the underlying channels.
func (m *Motor) Close() {
	for _, pv := range []*PV{m.val, m.rbv, m.dmov, m.llm, m.hlm} {
		pv.Close()
	}
}
