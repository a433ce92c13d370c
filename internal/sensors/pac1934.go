package sensors

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// PAC1934 register and command addresses.
const (
	pacRefresh     = 0x00
	pacCtrl        = 0x01
	pacAccCount    = 0x02
	pacVPowerAcc   = 0x03
	pacVBus        = 0x07
	pacVSense      = 0x0B
	pacVBusAvg     = 0x0F
	pacVSenseAvg   = 0x13
	pacVPower      = 0x17
	pacChannelDis  = 0x1C
	pacNegPwr      = 0x1D
	pacRefreshG    = 0x1E
	pacRefreshV    = 0x1F
	pacSlow        = 0x20
	pacCtrlAct     = 0x21
	pacCtrlLat     = 0x24
	pacProductID   = 0xFD
	pacMfrID       = 0xFE
	pacRevisionID  = 0xFF
	pacChannels    = 4
	pacAverageSize = 8

	pacVBusLSB   = 32.0 / 65536  // V
	pacVSenseLSB = 100.0 / 65536 // mV
	pacDefault   = 3500          // LSB, both voltages
	pacJitter    = 20            // LSB
	pacAccMask   = 1<<48 - 1
	pacCountMask = 1<<24 - 1
)

type pacChannel struct {
	vbus, vsense       uint16
	vbusAvg, vsenseAvg uint16
	power              uint32
	acc                uint64

	busWindow, senseWindow *samples.FIFO[uint16]
	disabled               *registers.Flag
}

func (c *pacChannel) clear() {
	c.vbus, c.vsense, c.vbusAvg, c.vsenseAvg, c.power, c.acc = 0, 0, 0, 0, 0, 0
	c.busWindow.Clear()
	c.senseWindow.Clear()
}

// PAC1934 models the Microchip four channel power monitor. Results are
// only updated by the REFRESH commands; voltages get uniform jitter from
// the injected random source so firmware filtering sees realistic input.
type PAC1934 struct {
	mu   sync.Mutex
	name string
	log  *slog.Logger
	rand *rand.Rand
	regs *registers.Collection
	tx   *bus.Transaction

	ch       [pacChannels]pacChannel
	accCount uint32
	vbus     [pacChannels]float64 // V
	vsense   [pacChannels]float64 // mV
	jitter   int

	noSkip *registers.Flag
	ovf    *registers.Flag
	act    [3]*registers.Value
	lat    [3]*registers.Value
}

var _ I2CDevice = (*PAC1934)(nil)

func NewPAC1934(opts Options) *PAC1934 {
	const kind = "pac1934"
	d := &PAC1934{
		name:   opts.name(kind),
		log:    opts.logger(kind),
		rand:   opts.rand(),
		jitter: pacJitter,
	}
	for i := range d.ch {
		d.vbus[i] = pacDefault * pacVBusLSB
		d.vsense[i] = pacDefault * pacVSenseLSB
		d.ch[i].busWindow = d.window(i, "vbus")
		d.ch[i].senseWindow = d.window(i, "vsense")
	}
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()
	target := bus.TargetFuncs{Read: d.readAt, Write: d.writeAt}
	d.tx = bus.NewTransaction(target, bus.Config{
		Name:      d.name,
		Next:      bus.Lanes(pacWidth, bus.Always()),
		Stop:      bus.StopKeepsAddress,
		OnError:   bus.ZerosOnError,
		OnAddress: d.command,
		Logger:    d.log,
	})
	return d
}

// command runs the send-byte commands. Any write addressing a refresh
// command triggers it, with or without data bytes.
func (d *PAC1934) command(addr uint16, _ bool) {
	switch addr {
	case pacRefresh, pacRefreshG:
		d.refresh(true)
	case pacRefreshV:
		d.refresh(false)
	}
}

func (d *PAC1934) window(ch int, what string) *samples.FIFO[uint16] {
	return samples.NewFIFO(samples.Config[uint16]{
		Name:     fmt.Sprintf("%s.%s%d", d.name, what, ch+1),
		Capacity: pacAverageSize,
		Mode:     samples.Continuous,
	})
}

func (d *PAC1934) define() {
	c := d.regs.Define(pacCtrl, "CTRL", 0)
	d.ovf = c.DefineFlag(0, "ovf", registers.Read)
	c.Tagged("ovf_alert", 1, 1)
	c.Tagged("alert_cc", 2, 1)
	c.Tagged("alert_pin", 3, 1)
	c.Tagged("sing", 4, 1)
	c.Tagged("sleep", 5, 1)
	c.Tagged("sample_rate", 6, 2)

	dis := d.regs.Define(pacChannelDis, "CHANNEL_DIS", 0)
	dis.Reserved(0, 1)
	d.noSkip = dis.DefineFlag(1, "no_skip")
	dis.Tagged("byte_count", 2, 1)
	dis.Tagged("timeout", 3, 1)
	for i := range d.ch {
		d.ch[i].disabled = dis.DefineFlag(uint(7-i), fmt.Sprintf("ch%d", i+1))
	}

	d.regs.Define(pacNegPwr, "NEG_PWR", 0).Tagged("bidi", 4, 4).Tagged("bidv", 0, 4)
	d.regs.Define(pacSlow, "SLOW", 0x15).Tagged("slow", 0, 8)

	// active and latched images of CTRL, CHANNEL_DIS and NEG_PWR
	for i, name := range []string{"CTRL", "CHANNEL_DIS", "NEG_PWR"} {
		d.act[i] = d.regs.Define(uint16(pacCtrlAct+i), name+"_ACT", 0).DefineValue(0, 8, "act", registers.Read)
		d.lat[i] = d.regs.Define(uint16(pacCtrlLat+i), name+"_LAT", 0).DefineValue(0, 8, "lat", registers.Read)
	}

	for addr, id := range map[uint16]uint64{pacProductID: 0x5B, pacMfrID: 0x5D, pacRevisionID: 0x03} {
		d.regs.Define(addr, "ID", id).DefineValue(0, 8, "id", registers.Read)
	}
}

// pacWidth is the size in bytes of the register at addr.
func pacWidth(addr uint16) int {
	switch {
	case addr == pacAccCount:
		return 3
	case addr >= pacVPowerAcc && addr < pacVBus:
		return 6
	case addr >= pacVBus && addr < pacVPower:
		return 2
	case addr >= pacVPower && addr < pacVPower+pacChannels:
		return 4
	}
	return 1
}

// result returns the value of a multi-byte result register.
func (d *PAC1934) result(addr uint16) (uint64, bool) {
	switch {
	case addr == pacAccCount:
		return uint64(d.accCount), true
	case addr >= pacVPowerAcc && addr < pacVBus:
		return d.ch[addr-pacVPowerAcc].acc, true
	case addr >= pacVBus && addr < pacVSense:
		return uint64(d.ch[addr-pacVBus].vbus), true
	case addr >= pacVSense && addr < pacVBusAvg:
		return uint64(d.ch[addr-pacVSense].vsense), true
	case addr >= pacVBusAvg && addr < pacVSenseAvg:
		return uint64(d.ch[addr-pacVBusAvg].vbusAvg), true
	case addr >= pacVSenseAvg && addr < pacVPower:
		return uint64(d.ch[addr-pacVSenseAvg].vsenseAvg), true
	case addr >= pacVPower && addr < pacVPower+pacChannels:
		return uint64(d.ch[addr-pacVPower].power), true
	}
	return 0, false
}

func (d *PAC1934) readAt(c bus.Cursor) byte {
	if v, ok := d.result(c.Addr); ok {
		return byte(v >> (8 * uint(pacWidth(c.Addr)-1-c.Lane)))
	}
	if v, ok := d.regs.TryRead(c.Addr); ok {
		return byte(v)
	}
	d.log.Warn("read of unhandled register", "addr", fmt.Sprintf("0x%02x", c.Addr))
	return 0
}

func (d *PAC1934) writeAt(c bus.Cursor, b byte) {
	if _, ok := d.result(c.Addr); ok {
		d.log.Debug("write to result register ignored", "addr", fmt.Sprintf("0x%02x", c.Addr))
		return
	}
	if !d.regs.TryWrite(c.Addr, uint64(b)) {
		d.log.Warn("write to unhandled register", "addr", fmt.Sprintf("0x%02x", c.Addr), "value", b)
	}
}

func (d *PAC1934) Name() string { return d.name }
func (d *PAC1934) Kind() string { return "pac1934" }

func (d *PAC1934) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.Write(data)
}

func (d *PAC1934) Read(count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.Read(count)
}

func (d *PAC1934) FinishTransmission() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.FinishTransmission()
}

// Reset clears results and configuration. Channel inputs are kept.
func (d *PAC1934) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs.Reset()
	d.tx.Reset()
	d.accCount = 0
	for i := range d.ch {
		d.ch[i].clear()
	}
}

func (d *PAC1934) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.regs.Snapshot()
	for addr := uint16(pacAccCount); addr < pacVPower+pacChannels; addr++ {
		v, _ := d.result(addr)
		out = append(out, registers.Dump{Address: addr, Name: pacResultName(addr), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func pacResultName(addr uint16) string {
	switch {
	case addr == pacAccCount:
		return "ACC_COUNT"
	case addr < pacVBus:
		return fmt.Sprintf("VPOWER%d_ACC", addr-pacVPowerAcc+1)
	case addr < pacVSense:
		return fmt.Sprintf("VBUS%d", addr-pacVBus+1)
	case addr < pacVBusAvg:
		return fmt.Sprintf("VSENSE%d", addr-pacVSense+1)
	case addr < pacVSenseAvg:
		return fmt.Sprintf("VBUS%d_AVG", addr-pacVBusAvg+1)
	case addr < pacVPower:
		return fmt.Sprintf("VSENSE%d_AVG", addr-pacVSenseAvg+1)
	}
	return fmt.Sprintf("VPOWER%d", addr-pacVPower+1)
}

// refresh latches new results. accumulate selects REFRESH/REFRESH_G over
// REFRESH_V, which leaves the accumulators alone.
func (d *PAC1934) refresh(accumulate bool) {
	d.latchImages()
	active := false
	for i := range d.ch {
		c := &d.ch[i]
		switch {
		case !c.disabled.Value():
			d.refreshActive(i, accumulate)
			active = true
		case !d.noSkip.Value():
			c.vbus, c.vsense, c.vbusAvg, c.vsenseAvg = math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint16
			c.power = math.MaxUint32
			if accumulate {
				c.acc = pacAccMask
			}
		}
	}
	if accumulate && active {
		d.accCount = (d.accCount + 1) & pacCountMask
	}
	d.log.Debug("refresh", "accumulate", accumulate, "count", d.accCount)
}

// latchImages moves the active configuration to the latched registers and
// the written configuration to the active ones.
func (d *PAC1934) latchImages() {
	for i, src := range []uint16{pacCtrl, pacChannelDis, pacNegPwr} {
		cur, _ := d.regs.Peek(src)
		d.lat[i].SetValue(d.act[i].Value())
		d.act[i].SetValue(cur)
	}
}

func (d *PAC1934) noise() float64 {
	if d.jitter <= 0 {
		return 0
	}
	return float64(d.rand.Intn(2*d.jitter) - d.jitter)
}

func (d *PAC1934) refreshActive(i int, accumulate bool) {
	c := &d.ch[i]
	c.vbus = toUint16(d.vbus[i]/pacVBusLSB + d.noise())
	c.vsense = toUint16(d.vsense[i]/pacVSenseLSB + d.noise())
	c.vbusAvg = average(c.busWindow, c.vbus)
	c.vsenseAvg = average(c.senseWindow, c.vsense)

	// VPOWER holds the top 28 bits of the 32-bit product, left aligned.
	product := uint32(c.vbus) * uint32(c.vsense)
	c.power = product &^ 0xF
	if accumulate {
		c.acc += uint64(product >> 4)
		if c.acc > pacAccMask {
			c.acc &= pacAccMask
			d.ovf.SetValue(true)
		}
	}
}

func average(w *samples.FIFO[uint16], v uint16) uint16 {
	w.Feed(v)
	var sum uint32
	vs := w.Pending()
	for _, s := range vs {
		sum += uint32(s)
	}
	return uint16(sum / uint32(len(vs)))
}

func (d *PAC1934) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]float64{"jitter": float64(d.jitter)}
	for i := range d.ch {
		out[fmt.Sprintf("vbus%d", i+1)] = d.vbus[i]
		out[fmt.Sprintf("vsense%d", i+1)] = d.vsense[i]
	}
	return out
}

// SetProperty sets a channel input: vbus<n> in volts (0..32) or vsense<n>
// in millivolts (0..100). jitter is the noise amplitude in LSB.
// The results change on the next refresh.
func (d *PAC1934) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "jitter" {
		if err := inRange(d.log, name, v, 0, math.MaxUint16); err != nil {
			return err
		}
		d.jitter = int(v)
		return nil
	}
	if n, ok := pacChannelProperty(name, "vbus"); ok {
		d.vbus[n] = clamp(d.log, name, v, 0, math.MaxUint16*pacVBusLSB)
		return nil
	}
	if n, ok := pacChannelProperty(name, "vsense"); ok {
		d.vsense[n] = clamp(d.log, name, v, 0, math.MaxUint16*pacVSenseLSB)
		return nil
	}
	return unknownProperty(name)
}

// pacChannelProperty parses "<prefix><1..4>" into a channel index.
func pacChannelProperty(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > pacChannels {
		return 0, false
	}
	return n - 1, true
}
