package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/nvm"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/scale"
	"github.com/itohio/goscale/pkg/store"
)

// MockStorageSize holds every record of the default layout.
const MockStorageSize = 3 * 4096

// Mock runs the firmware core against simulated hardware in process, connected through
// an in-memory pipe. Records live in RAM unless a storage is supplied.
type Mock struct {
	poller
	sim     config.SimulatorConfig
	storage nvm.Storage
	layout  store.Layout

	simulator *scale.Simulator
	host      net.Conn
	dev       net.Conn
	cancel    context.CancelFunc
	done      sync.WaitGroup
}

// NewMock creates a mocked scale. storage may be nil.
func NewMock(sim config.SimulatorConfig, client config.ClientConfig, storage nvm.Storage, log *zap.Logger) *Mock {
	if storage == nil {
		storage = nvm.NewMemory(MockStorageSize)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mock{
		poller:  newPoller(client, log.Named("mock")),
		sim:     sim,
		storage: storage,
		layout:  store.DefaultLayout,
	}
}

// Connect starts the simulated scale and begins polling it.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnect(); err != nil {
		return err
	}

	host, dev := net.Pipe()
	m.simulator = scale.NewSimulator(m.sim, nil)
	sc, err := scale.New(m.simulator.Parts(packet.NewStream(dev, 0), m.storage, m.layout), m.log.Named("scale"))
	if err != nil {
		host.Close()
		dev.Close()
		return fmt.Errorf("failed to start simulated scale: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.host, m.dev, m.cancel = host, dev, cancel
	m.done.Add(1)
	go func() {
		defer m.done.Done()
		if err := sc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("simulated scale stopped", zap.Error(err))
		}
	}()

	m.start(host)
	return nil
}

// Close stops polling and the simulated scale.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.cancel()
	m.host.Close()
	m.dev.Close()
	m.done.Wait()
	m.stop()
	return nil
}

// Simulator returns the simulation of the connected mock, or nil.
func (m *Mock) Simulator() *scale.Simulator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.simulator
}
