package bus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// SPIPort exposes one SPI peripheral model as a periph spi.Port. Each Tx is
// a chip-select frame: bytes are clocked through Transmit and
// FinishTransmission is issued at the end unless a packet asks to keep CS.
type SPIPort struct {
	mu    sync.Mutex
	name  string
	dev   SPIPeripheral
	limit physic.Frequency
}

var (
	_ spi.PortCloser = (*SPIPort)(nil)
	_ spi.Conn       = (*spiConn)(nil)
)

func NewSPIPort(name string, dev SPIPeripheral) *SPIPort {
	return &SPIPort{name: name, dev: dev}
}

func (p *SPIPort) String() string { return p.name }

func (p *SPIPort) Close() error { return nil }

// LimitSpeed records the maximum clock; the emulated port has no timing.
func (p *SPIPort) LimitSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("spi %s: invalid speed %s", p.name, f)
	}
	p.mu.Lock()
	p.limit = f
	p.mu.Unlock()
	return nil
}

// Connect accepts any 8-bit mode; the models do not care about clock phase.
func (p *SPIPort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if bits != 8 {
		return nil, fmt.Errorf("spi %s: %d bits per word not supported", p.name, bits)
	}
	if mode&spi.HalfDuplex != 0 {
		return nil, fmt.Errorf("spi %s: half duplex not supported", p.name)
	}
	return &spiConn{port: p, freq: f, mode: mode}, nil
}

type spiConn struct {
	port *SPIPort
	freq physic.Frequency
	mode spi.Mode
}

func (c *spiConn) String() string { return c.port.name }

func (c *spiConn) Duplex() conn.Duplex { return conn.Full }

func (c *spiConn) Tx(w, r []byte) error {
	return c.TxPackets([]spi.Packet{{W: w, R: r}})
}

func (c *spiConn) TxPackets(pkts []spi.Packet) error {
	c.port.mu.Lock()
	defer c.port.mu.Unlock()
	for i, pk := range pkts {
		if len(pk.W) != 0 && len(pk.R) != 0 && len(pk.W) != len(pk.R) {
			return fmt.Errorf("spi %s: packet %d: w and r lengths differ", c.port.name, i)
		}
		n := max(len(pk.W), len(pk.R))
		for j := 0; j < n; j++ {
			var out byte
			if j < len(pk.W) {
				out = pk.W[j]
			}
			in := c.port.dev.Transmit(out)
			if j < len(pk.R) {
				pk.R[j] = in
			}
		}
		if !pk.KeepCS || i == len(pkts)-1 {
			c.port.dev.FinishTransmission()
		}
	}
	return nil
}
