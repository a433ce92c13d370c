package sensors

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/micro-nova/sensorsim/internal/bus"
	"github.com/micro-nova/sensorsim/internal/clock"
	"github.com/micro-nova/sensorsim/internal/irq"
	"github.com/micro-nova/sensorsim/internal/registers"
	"github.com/micro-nova/sensorsim/internal/samples"
)

// MAX86171 register addresses.
const (
	ppgStatus1      = 0x00
	ppgStatus2      = 0x01
	ppgStatus3      = 0x02
	ppgFIFOWrPtr    = 0x04
	ppgFIFORdPtr    = 0x05
	ppgFIFOCount1   = 0x06
	ppgFIFOCount2   = 0x07
	ppgFIFOData     = 0x08
	ppgFIFOConf1    = 0x09
	ppgFIFOConf2    = 0x0A
	ppgSystemConf1  = 0x0C
	ppgSystemConf2  = 0x0D
	ppgSystemConf3  = 0x0E
	ppgPhotoBias    = 0x0F
	ppgPinFuncConf  = 0x10
	ppgOutPinConf   = 0x11
	ppgFrClk        = 0x15
	ppgFrClkDivH    = 0x16
	ppgFrClkDivL    = 0x17
	ppgMeasBase     = 0x18
	ppgThreshSelect = 0x68
	ppgPicketSelect = 0x70
	ppgInt1Enable1  = 0x78
	ppgInt2Enable1  = 0x7B
	ppgPartIDReg    = 0xFF

	ppgPartID   = 0x2C
	ppgFIFOSize = 256
	ppgChannels = 9
	// the frame clock is not modelled; this is the rate at the reset dividers
	ppgDefaultFrameHz = 52
	ppgMaxFrameHz     = 4096
	ppgMaxCode        = 1<<20 - 1
	ppgMaxOverflow    = 127

	// packet tags: 1..9 are PPG measurements
	ppgTagInvalid = 0xE
)

var ppgThresholdRegs = []string{
	"THRESH_MEAS_SEL", "THRESH_HYST", "PPG_LO_THRESH1", "PPG_HI_THRESH1", "PPG_LO_THRESH2", "PPG_HI_THRESH2",
}

var ppgMeasRegs = []string{"SELECTS", "CONF1", "CONF2", "CONF3", "DRVA_CURRENT", "DRVB_CURRENT", "DRVC_CURRENT"}

// ppgPinCfg is the INTx output configuration.
type ppgPinCfg uint8

const (
	ppgOpenDrainLow ppgPinCfg = iota
	ppgActiveHigh
	ppgActiveLow
)

func (c ppgPinCfg) invert() bool { return c == ppgOpenDrainLow || c == ppgActiveLow }

// MAX86171 models the Maxim optical pulse oximeter and heart-rate AFE with
// its 256-packet FIFO. Only the SPI interface is modelled.
//
// A frame produces two packets per enabled measurement channel. Frames come
// from the queue fed by FeedFrame and sample files, else from the meas1..9
// defaults, at frame_hz while any channel is enabled and SHDN is clear.
// Without a scheduler fed frames are converted immediately.
//
// Every frame starts with the register address and a read/write byte
// (0x80 reads). The address auto-increments except on FIFO_DATA, so a
// burst read streams the FIFO three bytes per packet, MSB first.
type MAX86171 struct {
	mu    sync.Mutex
	name  string
	log   *slog.Logger
	sched clock.Scheduler
	regs  *registers.Collection
	spi   *bus.SPIFrame
	lines lines

	packets *samples.FIFO[uint32]
	frames  *samples.FIFO[[]float64]
	task    clock.Task
	frameHz float64
	codes   [ppgChannels]float64

	packet   uint32
	lane     int
	wrPtr    uint8
	rdPtr    uint8
	overflow uint8
	wasFull  bool

	stAFull   *registers.Flag
	aFull     *registers.Value
	rollover  *registers.Flag
	aFullType *registers.Flag
	statClear *registers.Flag
	shdn      *registers.Flag
	enabled   [ppgChannels]*registers.Flag
	int1Cfg   *registers.Enum[ppgPinCfg]
	int2Cfg   *registers.Enum[ppgPinCfg]
	int1AFull *registers.Flag
	int2AFull *registers.Flag
}

var (
	_ SPIDevice       = (*MAX86171)(nil)
	_ FrameSampler    = (*MAX86171)(nil)
	_ InterruptSource = (*MAX86171)(nil)
)

func NewMAX86171(opts Options) *MAX86171 {
	const kind = "max86171"
	d := &MAX86171{
		name:    opts.name(kind),
		log:     opts.logger(kind),
		sched:   opts.Scheduler,
		lines:   newLines("int1", "int2"),
		frameHz: ppgDefaultFrameHz,
	}
	d.packets = samples.NewFIFO(samples.Config[uint32]{
		Name:     d.name,
		Capacity: ppgFIFOSize,
		Mode:     samples.StopWhenFull,
	})
	d.frames = samples.NewFIFO(samples.Config[[]float64]{
		Name: d.name + "/frames",
		Mode: samples.StopWhenFull,
	})
	d.regs = registers.NewByteCollection(d.name, registers.WithLogger(d.log))
	d.define()
	d.spi = bus.NewSPIFrame(bus.NewTransaction(bus.Bytes(d.regs), bus.Config{
		Name:         d.name,
		AddressBytes: 2,
		AddressMask:  0xFF00,
		AddressShift: 8,
		ReadBit:      0x0080,
		Next:         bus.HoldAt(bus.Always(), ppgFIFOData),
		Stop:         bus.StopClears,
		Logger:       d.log,
	}))
	d.reset()
	return d
}

func (d *MAX86171) define() {
	update := registers.OnChange(func(_, _ uint64) { d.updateInterrupts() })
	restart := registers.OnChange(func(_, _ uint64) { d.restartFrames() })
	plain := func(addr uint16, name string) {
		d.regs.Define(addr, name, 0).Tagged(name, 0, 8)
	}

	st := d.regs.Define(ppgStatus1, "STATUS1", 0)
	d.stAFull = st.DefineFlag(0, "a_full", registers.ReadToClear)
	st.Tagged("frame_rdy", 1, 1)
	st.Tagged("fifo_data_rdy", 2, 1)
	st.Tagged("alc_ovf", 3, 1)
	st.Tagged("exp_ovf", 4, 1)
	st.Tagged("thresh2_hilo", 5, 1)
	st.Tagged("thresh1_hilo", 6, 1)
	st.Tagged("pwr_rdy", 7, 1)
	plain(ppgStatus2, "STATUS2")
	plain(ppgStatus3, "STATUS3")

	d.regs.Define(ppgFIFOWrPtr, "FIFO_WR_PTR", 0).DefineValue(0, 8, "fifo_wr_ptr", registers.Read,
		registers.Provider(func() uint64 { return uint64(d.wrPtr) }))
	d.regs.Define(ppgFIFORdPtr, "FIFO_RD_PTR", 0).DefineValue(0, 8, "fifo_rd_ptr", registers.Read,
		registers.Provider(func() uint64 { return uint64(d.rdPtr) }))
	c1 := d.regs.Define(ppgFIFOCount1, "FIFO_CNT1", 0)
	c1.DefineValue(0, 7, "ovf_counter", registers.Read, registers.Provider(func() uint64 { return uint64(d.overflow) }))
	c1.DefineFlag(7, "fifo_data_count_msb", registers.Read, registers.FlagProvider(func() bool { return d.packets.Count()&0x100 != 0 }))
	d.regs.Define(ppgFIFOCount2, "FIFO_CNT2", 0).DefineValue(0, 8, "fifo_data_count_lsb", registers.Read,
		registers.Provider(func() uint64 { return uint64(d.packets.Count()) }))
	d.regs.Define(ppgFIFOData, "FIFO_DATA", 0).DefineValue(0, 8, "fifo_data", registers.Read, registers.Volatile(),
		registers.Provider(func() uint64 { return uint64(d.nextDataByte()) }))

	d.aFull = d.regs.Define(ppgFIFOConf1, "FIFO_CONF1", 0).DefineValue(0, 8, "fifo_a_full", update)
	fc := d.regs.Define(ppgFIFOConf2, "FIFO_CONF2", 0)
	fc.Reserved(0, 1)
	d.rollover = fc.DefineFlag(1, "fifo_ro", registers.OnFlagChange(func(bool) { d.applyRollover() }))
	d.aFullType = fc.DefineFlag(2, "a_full_type")
	d.statClear = fc.DefineFlag(3, "fifo_stat_clr")
	fc.DefineFlag(4, "flush_fifo", registers.WriteOneToClear, registers.OnFlagWrite(func(v bool) {
		if v {
			d.flush()
		}
	}))
	fc.Reserved(5, 3)

	s1 := d.regs.Define(ppgSystemConf1, "SYSTEM_CONF1", 0)
	s1.DefineFlag(0, "reset", registers.Write, registers.OnFlagWrite(func(v bool) {
		if v {
			d.log.Debug("software reset")
			d.reset()
		}
	}))
	d.shdn = s1.DefineFlag(1, "shdn", restart)
	s1.Tagged("ppg1_pwrdn", 2, 1)
	s1.Tagged("ppg2_pwrdn", 3, 1)
	s1.Tagged("sync_mode", 4, 2)
	s1.Tagged("sw_force_sync", 6, 1)
	d.enabled[8] = s1.DefineFlag(7, "meas9_en", restart)
	s2 := d.regs.Define(ppgSystemConf2, "SYSTEM_CONF2", 0)
	for i := 0; i < 8; i++ {
		d.enabled[i] = s2.DefineFlag(uint(i), fmt.Sprintf("meas%d_en", i+1), restart)
	}
	plain(ppgSystemConf3, "SYSTEM_CONF3")
	plain(ppgPhotoBias, "PHOTO_BIAS")
	plain(ppgPinFuncConf, "PIN_FUNC_CONF")

	op := d.regs.Define(ppgOutPinConf, "OUT_PIN_CONF", 0)
	op.Reserved(0, 1)
	d.int1Cfg = registers.DefineEnum[ppgPinCfg](op, 1, 2, "int1_ocfg", update)
	d.int2Cfg = registers.DefineEnum[ppgPinCfg](op, 3, 2, "int2_ocfg", update)
	op.Reserved(5, 3)

	fr := d.regs.Define(ppgFrClk, "FR_CLK", 0x20)
	fr.Tagged("fine_tune", 0, 5)
	fr.Tagged("sel", 5, 1)
	fr.Reserved(6, 2)
	dh := d.regs.Define(ppgFrClkDivH, "FR_CLK_DIV_H", 0x01)
	dh.Tagged("div_h", 0, 7)
	dh.Reserved(7, 1)
	plain(ppgFrClkDivL, "FR_CLK_DIV_L")

	for i := 0; i < ppgChannels; i++ {
		for j, name := range ppgMeasRegs {
			plain(ppgMeasBase+uint16(8*i+j), fmt.Sprintf("MEAS%d_%s", i+1, name))
		}
	}
	for i, name := range ppgThresholdRegs {
		plain(ppgThreshSelect+uint16(i), name)
	}
	plain(ppgPicketSelect, "PICKET_FENCE_MEAS_SEL")
	plain(ppgPicketSelect+1, "PICKET_FENCE_CONF")

	enable := func(base uint16, n int) *registers.Flag {
		e1 := d.regs.Define(base, fmt.Sprintf("INT%d_ENABLE1", n), 0)
		for i, name := range []string{"led_tx_en", "thresh1_hilo_en", "thresh2_hilo_en", "exp_ovf_en", "alc_ovf_en", "fifo_data_rdy_en", "framerdy_en"} {
			e1.Tagged(name, uint(i), 1)
		}
		af := e1.DefineFlag(7, "a_full_en", update)
		plain(base+1, fmt.Sprintf("INT%d_ENABLE2", n))
		plain(base+2, fmt.Sprintf("INT%d_ENABLE3", n))
		return af
	}
	d.int1AFull = enable(ppgInt1Enable1, 1)
	d.int2AFull = enable(ppgInt2Enable1, 2)

	d.regs.Define(ppgPartIDReg, "PART_ID", ppgPartID).DefineValue(0, 8, "part_id", registers.Read)
}

func (d *MAX86171) Name() string { return d.name }
func (d *MAX86171) Kind() string { return "max86171" }

// SPI returns the chip's SPI interface.
func (d *MAX86171) SPI() bus.SPIPeripheral { return ppgSPI{d} }

func (d *MAX86171) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *MAX86171) reset() {
	if d.task != nil {
		d.task.Stop()
		d.task = nil
	}
	d.regs.Reset()
	d.spi.Reset()
	d.packets.SetMode(samples.StopWhenFull)
	d.packets.Reset()
	d.frames.Reset()
	d.packet, d.lane = 0, 0
	d.wrPtr, d.rdPtr, d.overflow = 0, 0, 0
	d.wasFull = false
	d.updateInterrupts()
}

func (d *MAX86171) Snapshot() []registers.Dump {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Snapshot()
}

func ppgPacket(tag uint8, code uint32) uint32 {
	return uint32(tag&0xF)<<20 | code&ppgMaxCode
}

func (d *MAX86171) anyEnabled() bool {
	for _, e := range d.enabled {
		if e.Value() {
			return true
		}
	}
	return false
}

func (d *MAX86171) restartFrames() {
	if d.task != nil {
		d.task.Stop()
		d.task = nil
	}
	if d.sched == nil || d.shdn.Value() || !d.anyEnabled() {
		return
	}
	d.log.Debug("frames started", "hz", d.frameHz)
	d.task = d.sched.Every(d.frameHz, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.frame()
	})
}

// frame converts the next queued frame, or the defaults.
func (d *MAX86171) frame() {
	if d.frames.TryDequeueNext() {
		d.convert(d.frames.Current())
		return
	}
	d.convert(d.codes[:])
}

// convert pushes two packets for every enabled channel present in values.
func (d *MAX86171) convert(values []float64) {
	var missing []string
	for i, e := range d.enabled {
		if !e.Value() {
			continue
		}
		if i >= len(values) {
			missing = append(missing, fmt.Sprintf("meas%d", i+1))
			continue
		}
		p := ppgPacket(uint8(i+1), uint32(values[i]))
		d.push(p)
		d.push(p)
	}
	if len(missing) > 0 {
		d.log.Warn("frame is missing enabled channels", "channels", strings.Join(missing, ","))
	}
	d.updateAFull()
	d.updateInterrupts()
}

func (d *MAX86171) push(p uint32) {
	if d.packets.Full() {
		d.overflow = min(d.overflow+1, ppgMaxOverflow)
		if !d.rollover.Value() {
			return
		}
		d.rdPtr++
	}
	d.packets.Feed(p)
	d.wrPtr++
}

// updateAFull raises A_FULL once fifo_a_full or fewer slots are free. With
// a_full_type set it is raised only on the frame that crosses the limit.
func (d *MAX86171) updateAFull() {
	full := ppgFIFOSize-d.packets.Count() <= int(d.aFull.Value())
	if full && (!d.aFullType.Value() || !d.wasFull) {
		d.stAFull.SetValue(true)
	}
	d.wasFull = full
}

// nextDataByte returns the next byte of the packet stream. An empty FIFO
// yields invalid-data packets.
func (d *MAX86171) nextDataByte() byte {
	if d.lane == 0 {
		if d.packets.TryDequeueNext() {
			d.packet = d.packets.Current()
			d.rdPtr++
		} else {
			d.log.Debug("FIFO_DATA read with no packets")
			d.packet = ppgPacket(ppgTagInvalid, 0)
		}
		if d.packets.Count() == 0 {
			d.overflow = 0
		}
		if d.statClear.Value() {
			d.stAFull.SetValue(false)
		}
		d.wasFull = ppgFIFOSize-d.packets.Count() <= int(d.aFull.Value())
	}
	b := byte(d.packet >> (8 * (2 - d.lane)))
	d.lane = (d.lane + 1) % 3
	return b
}

func (d *MAX86171) applyRollover() {
	if d.rollover.Value() {
		d.packets.SetMode(samples.Continuous)
	} else {
		d.packets.SetMode(samples.StopWhenFull)
	}
}

func (d *MAX86171) flush() {
	d.packets.Clear()
	d.lane = 0
	d.wrPtr, d.rdPtr, d.overflow = 0, 0, 0
	d.wasFull = false
	d.updateInterrupts()
}

func (d *MAX86171) updateInterrupts() {
	a := d.stAFull.Value()
	d.lines.set("int1", (d.int1AFull.Value() && a) != d.int1Cfg.Value().invert())
	d.lines.set("int2", (d.int2AFull.Value() && a) != d.int2Cfg.Value().invert())
}

// CheckFrame validates one frame: a code per channel, meas1 first.
func (d *MAX86171) CheckFrame(values []float64) error {
	if len(values) == 0 || len(values) > ppgChannels {
		return fmt.Errorf("%w: want 1 to %d channels, got %d", ErrOutOfRange, ppgChannels, len(values))
	}
	for i, v := range values {
		if v < 0 || v > ppgMaxCode || v != math.Trunc(v) {
			return fmt.Errorf("%w: meas%d=%v is not a 20-bit code", ErrOutOfRange, i+1, v)
		}
	}
	return nil
}

// FeedFrame queues one frame of channel codes.
func (d *MAX86171) FeedFrame(values []float64) error {
	if err := d.CheckFrame(values); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched == nil {
		d.convert(values)
		return nil
	}
	d.frames.OnEmpty(nil)
	d.frames.Feed(append([]float64(nil), values...))
	return nil
}

// ParseFrame parses a sample file line of 1 to 9 decimal 20-bit codes.
func (d *MAX86171) ParseFrame(cols []string) ([]float64, error) {
	if len(cols) == 0 || len(cols) > ppgChannels {
		return nil, fmt.Errorf("want 1 to %d columns, got %d", ppgChannels, len(cols))
	}
	out := make([]float64, len(cols))
	for i, c := range cols {
		v, err := strconv.ParseUint(c, 10, 20)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		out[i] = float64(v)
	}
	return out, nil
}

// LoadSamples queues the frames of a file. Without a scheduler the frames
// are converted right away and endless repeat is refused.
func (d *MAX86171) LoadSamples(path string, repeat int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched != nil {
		return loadInto(d.frames, path, repeat, d.ParseFrame)
	}
	if repeat < 0 {
		return ErrNoScheduler
	}
	frames, err := samples.ReadFile(path, d.ParseFrame)
	if err != nil {
		return err
	}
	for n := max(repeat, 1); n > 0; n-- {
		for _, f := range frames {
			d.convert(f)
		}
	}
	return nil
}

// QueuedSamples returns the number of packets in the FIFO.
func (d *MAX86171) QueuedSamples() int { return d.packets.Count() }

func (d *MAX86171) Properties() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	props := map[string]float64{
		"frame_hz": d.frameHz,
		"queued":   float64(d.packets.Count()),
		"pending":  float64(d.frames.Count()),
	}
	for i, c := range d.codes {
		props[fmt.Sprintf("meas%d", i+1)] = c
	}
	return props
}

// SetProperty sets a default channel code meas1..meas9 or the frame rate.
func (d *MAX86171) SetProperty(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "frame_hz" {
		if err := inRange(d.log, name, v, 1, ppgMaxFrameHz); err != nil {
			return err
		}
		d.frameHz = v
		d.restartFrames()
		return nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "meas"))
	if !strings.HasPrefix(name, "meas") || err != nil || n < 1 || n > ppgChannels {
		return unknownProperty(name)
	}
	if err := inRange(d.log, name, v, 0, ppgMaxCode); err != nil {
		return err
	}
	d.codes[n-1] = math.Trunc(v)
	return nil
}

func (d *MAX86171) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines.names()
}

func (d *MAX86171) Connect(line string, l irq.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lines.connect(line, l); err != nil {
		return err
	}
	d.updateInterrupts()
	return nil
}

type ppgSPI struct{ d *MAX86171 }

func (s ppgSPI) Transmit(b byte) byte {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	out := s.d.spi.Transmit(b)
	s.d.updateInterrupts()
	return out
}

func (s ppgSPI) FinishTransmission() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.spi.FinishTransmission()
	s.d.updateInterrupts()
}

func (s ppgSPI) Reset() { s.d.Reset() }
