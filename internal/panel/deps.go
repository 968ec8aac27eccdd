// Package panel holds the engines behind the web panels: live beam
// correlation and spectral autocorrelation analysis with calibration scans.
package panel

import (
	"context"

	"photodiag/internal/bsread"
	"photodiag/internal/ca"
)

// PV is the process-variable surface the engines need.
type PV interface {
	Name() string
	Get(ctx context.Context) (float64, error)
	GetArray(ctx context.Context) ([]float64, error)
	Put(ctx context.Context, value float64) error
	Monitor(ctx context.Context) (<-chan []float64, func(), error)
	Close()
}

// Motor is the motor-record surface the engines need.
type Motor interface {
	Position(ctx context.Context) (float64, error)
	MonitorPosition(ctx context.Context) (<-chan []float64, func(), error)
	Move(ctx context.Context, pos float64) error
	Close()
}

// EpicsClient resolves PVs and motors and runs N-shot acquisitions.
type EpicsClient interface {
	PV(name string) PV
	Motor(name string) Motor
	// CollectData gathers shots monitor updates from each named channel,
	// indexed [channel][shot].
	CollectData(ctx context.Context, names []string, shots int) ([][][]float64, error)
}

// MessageSource yields beam-synchronous messages.
type MessageSource interface {
	Receive(ctx context.Context) (*bsread.Message, error)
	Close() error
}

// SourceFactory opens a stream subscribed to the given channels.
type SourceFactory func(ctx context.Context, channels []string) (MessageSource, error)

// caEpicsClient adapts *ca.Client to the EpicsClient interface.
type caEpicsClient struct {
	client *ca.Client
}

// NewEpicsClient wraps a channel access client for use by the engines.
func NewEpicsClient(client *ca.Client) EpicsClient {
	return &caEpicsClient{client: client}
}

func (c *caEpicsClient) PV(name string) PV       { return c.client.PV(name) }
func (c *caEpicsClient) Motor(name string) Motor { return c.client.Motor(name) }

func (c *caEpicsClient) CollectData(ctx context.Context, names []string, shots int) ([][][]float64, error) {
	pvs := make([]*ca.PV, len(names))
	for i, name := range names {
		pvs[i] = c.client.PV(name)
	}
	defer func() {
		for _, pv := range pvs {
			pv.Close()
		}
	}()
	return ca.CollectData(ctx, pvs, shots)
}
