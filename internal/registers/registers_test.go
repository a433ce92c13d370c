package registers_test

import (
	"testing"

	"github.com/micro-nova/sensorsim/internal/registers"
)

func TestValueRoundTrip(t *testing.T) {
	r := registers.NewRegister("CTRL", 8, 0)
	lo := r.DefineValue(0, 3, "LO")
	hi := r.DefineValue(4, 4, "HI")
	for v := uint64(0); v < 8; v++ {
		r.Write(v)
		if got := r.Read() & 0x07; got != v {
			t.Errorf("LO after Write(%d) = %d, want %d", v, got, v)
		}
		if lo.Value() != v {
			t.Errorf("LO handle = %d, want %d", lo.Value(), v)
		}
	}
	for v := uint64(0); v < 16; v++ {
		r.Write(v << 4)
		if hi.Value() != v {
			t.Errorf("HI after Write(%#x) = %d, want %d", v<<4, hi.Value(), v)
		}
	}
}

func TestWriteTruncatesToWidth(t *testing.T) {
	r := registers.NewRegister("R", 8, 0)
	v := r.DefineValue(0, 2, "V")
	r.Write(0xff)
	if v.Value() != 3 {
		t.Errorf("V = %d, want 3", v.Value())
	}
	v.SetValue(0x1f)
	if v.Value() != 3 {
		t.Errorf("SetValue(0x1f) stored %d, want 3", v.Value())
	}
}

func TestReservedBitsReadDefault(t *testing.T) {
	r := registers.NewRegister("R", 8, 0xa0)
	r.DefineValue(0, 4, "LOW")
	r.Reserved(4, 2)
	r.Write(0xff)
	// bits 4..5 reserved (default 0b10), bits 6..7 undefined (default 0b10)
	if got := r.Read(); got != 0xaf {
		t.Errorf("Read() = %#x, want 0xaf", got)
	}
}

func TestReadOnlyIgnoresWrites(t *testing.T) {
	r := registers.NewRegister("ID", 8, 0xe5)
	r.DefineValue(0, 8, "DEVID", registers.Read)
	r.Write(0x12)
	if got := r.Read(); got != 0xe5 {
		t.Errorf("Read() = %#x, want 0xe5", got)
	}
}

func TestWriteOnlyReadsZero(t *testing.T) {
	r := registers.NewRegister("CMD", 8, 0)
	cmd := r.DefineValue(0, 8, "CMD", registers.Write)
	r.Write(0x5a)
	if cmd.Value() != 0x5a {
		t.Errorf("stored = %#x, want 0x5a", cmd.Value())
	}
	if got := r.Read(); got != 0 {
		t.Errorf("Read() = %#x, want 0", got)
	}
}

func TestReadToClear(t *testing.T) {
	r := registers.NewRegister("STATUS", 8, 0)
	st := r.DefineValue(0, 4, "FLAGS", registers.ReadToClear|registers.Write)
	r.Write(0x9)
	if got := r.Read(); got != 0x9 {
		t.Errorf("first Read() = %#x, want 0x9", got)
	}
	if got := r.Read(); got != 0 {
		t.Errorf("second Read() = %#x, want 0", got)
	}
	st.SetValue(0x3)
	if got := r.Read(); got != 0x3 {
		t.Errorf("Read() after SetValue = %#x, want 0x3", got)
	}
}

func TestWriteOneToClear(t *testing.T) {
	r := registers.NewRegister("INT", 8, 0)
	a := r.DefineFlag(0, "A", registers.Read|registers.WriteOneToClear)
	b := r.DefineFlag(1, "B", registers.Read|registers.WriteOneToClear)
	a.SetValue(true)
	b.SetValue(true)
	r.Write(0x01)
	if a.Value() || !b.Value() {
		t.Errorf("after Write(0x01): A=%v B=%v, want A=false B=true", a.Value(), b.Value())
	}
	r.Write(0x00)
	if !b.Value() {
		t.Errorf("writing 0 cleared B")
	}
}

func TestResetRestoresDefaultsWithoutCallbacks(t *testing.T) {
	r := registers.NewRegister("CTRL", 16, 0x40a0)
	calls := 0
	v := r.DefineValue(0, 16, "ALL", registers.OnWrite(func(_, _ uint64) { calls++ }))
	r.Write(0x1234)
	if calls != 1 {
		t.Fatalf("callbacks = %d, want 1", calls)
	}
	r.Reset()
	if v.Value() != 0x40a0 {
		t.Errorf("after Reset value = %#x, want 0x40a0", v.Value())
	}
	if calls != 1 {
		t.Errorf("Reset fired callbacks: %d", calls)
	}
}

func TestCallbacks(t *testing.T) {
	r := registers.NewRegister("CTRL", 8, 0)
	var writes, changes int
	var lastOld, lastNew uint64
	r.DefineValue(0, 4, "MODE",
		registers.OnWrite(func(_, _ uint64) { writes++ }),
		registers.OnChange(func(old, new uint64) { changes++; lastOld, lastNew = old, new }))
	var regOld, regNew uint64
	r.OnWrite(func(old, new uint64) { regOld, regNew = old, new })

	r.Write(0x3)
	r.Write(0x3)
	if writes != 2 || changes != 1 {
		t.Errorf("writes=%d changes=%d, want 2 and 1", writes, changes)
	}
	if lastOld != 0 || lastNew != 3 {
		t.Errorf("change(%d, %d), want (0, 3)", lastOld, lastNew)
	}
	r.Write(0x5)
	if regOld != 0x3 || regNew != 0x5 {
		t.Errorf("register callback (%#x, %#x), want (0x3, 0x5)", regOld, regNew)
	}
}

func TestProviderIsCalledOnEveryRead(t *testing.T) {
	r := registers.NewRegister("DATA", 8, 0)
	n := uint64(0)
	r.DefineValue(0, 8, "COUNTER", registers.Read, registers.Provider(func() uint64 { n++; return n }), registers.Volatile())
	if a, b := r.Read(), r.Read(); a != 1 || b != 2 {
		t.Errorf("reads = %d, %d, want 1, 2", a, b)
	}
	if got := r.Peek(); got != 0 {
		t.Errorf("Peek() = %d, want stored 0 for a volatile provider", got)
	}
	if n != 2 {
		t.Errorf("Peek called provider")
	}
}

type mode uint8

const (
	modeOff  mode = 0
	modeOne  mode = 1
	modeCont mode = 2
)

func TestEnumPolicies(t *testing.T) {
	r := registers.NewRegister("CNTL", 8, 0)
	strict := registers.DefineEnum[mode](r, 0, 3, "STRICT", registers.Known(uint64(modeOff), uint64(modeOne), uint64(modeCont)))
	loose := registers.DefineEnum[mode](r, 4, 3, "LOOSE")

	r.Write(0x72)
	if strict.Value() != modeCont {
		t.Errorf("STRICT = %d, want %d", strict.Value(), modeCont)
	}
	r.Write(0x75) // 5 is not a known mode
	if strict.Value() != modeCont {
		t.Errorf("STRICT took invalid value %d", strict.Value())
	}
	if loose.Value() != 7 || !loose.Valid() {
		t.Errorf("LOOSE = %d valid=%v, want 7 and valid", loose.Value(), loose.Valid())
	}
}

func TestOverlappingFieldsPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("overlapping fields did not panic")
		}
	}()
	r := registers.NewRegister("R", 8, 0)
	r.DefineValue(0, 4, "A")
	r.DefineFlag(3, "B")
}

func TestFieldOutsideRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("out of range field did not panic")
		}
	}()
	r := registers.NewRegister("R", 8, 0)
	r.DefineValue(4, 5, "A")
}

func TestLaneAccessTouchesOnlyThatLane(t *testing.T) {
	r := registers.NewRegister("W", 16, 0)
	lo := r.DefineValue(0, 8, "LO")
	hiReads := 0
	r.DefineValue(8, 8, "HI", registers.Provider(func() uint64 { hiReads++; return 0xab }))
	r.WriteLane(0, 0x12)
	if lo.Value() != 0x12 {
		t.Errorf("LO = %#x, want 0x12", lo.Value())
	}
	if got := r.ReadLane(0); got != 0x12 {
		t.Errorf("ReadLane(0) = %#x, want 0x12", got)
	}
	if hiReads != 0 {
		t.Errorf("reading lane 0 called the lane 1 provider")
	}
	if got := r.ReadLane(1); got != 0xab {
		t.Errorf("ReadLane(1) = %#x, want 0xab", got)
	}
}

func TestCollectionMissesNeverFail(t *testing.T) {
	for _, p := range []registers.MissPolicy{registers.Lenient, registers.Diagnostic} {
		c := registers.NewByteCollection("test", registers.WithMissPolicy(p))
		c.Define(0x10, "A", 0x42).DefineValue(0, 8, "A")
		if got := c.Read(0x11); got != 0 {
			t.Errorf("policy %d: Read(miss) = %#x, want 0", p, got)
		}
		c.Write(0x11, 0xff)
		if _, ok := c.TryRead(0x11); ok {
			t.Errorf("policy %d: TryRead(miss) reported a register", p)
		}
		if ok := c.TryWrite(0x10, 0x24); !ok {
			t.Errorf("policy %d: TryWrite(0x10) = false", p)
		}
		if got := c.Read(0x10); got != 0x24 {
			t.Errorf("policy %d: Read(0x10) = %#x, want 0x24", p, got)
		}
	}
}

func TestCollectionDuplicateAddressPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("duplicate address did not panic")
		}
	}()
	c := registers.NewByteCollection("test")
	c.Define(1, "A", 0)
	c.Define(1, "B", 0)
}

func TestCollectionResetIsIdempotent(t *testing.T) {
	c := registers.NewByteCollection("test")
	v := c.Define(0x01, "A", 0x11).DefineValue(0, 8, "A")
	c.Write(0x01, 0x99)
	c.Reset()
	c.Reset()
	if v.Value() != 0x11 {
		t.Errorf("after Reset = %#x, want 0x11", v.Value())
	}
}

func TestWithOffsetByteOrder(t *testing.T) {
	tests := []struct {
		order registers.ByteOrder
		want  [4]byte
	}{
		{registers.MSBFirst, [4]byte{0x12, 0x34, 0x56, 0x78}},
		{registers.LSBFirst, [4]byte{0x34, 0x12, 0x78, 0x56}},
	}
	for _, tc := range tests {
		c := registers.NewWordCollection("test")
		c.Define(0x00, "A", 0x1234).DefineValue(0, 16, "A")
		c.Define(0x01, "B", 0x5678).DefineValue(0, 16, "B")
		for i, want := range tc.want {
			if got := c.ReadWithOffset(0x00, i, tc.order); got != want {
				t.Errorf("%v: ReadWithOffset(0, %d) = %#x, want %#x", tc.order, i, got, want)
			}
		}
	}
}

func TestWriteWithOffsetBuildsWord(t *testing.T) {
	c := registers.NewWordCollection("test")
	v := c.Define(0x05, "CFG", 0).DefineValue(0, 16, "CFG")
	c.WriteWithOffset(0x05, 0, 0xcd, registers.LSBFirst)
	c.WriteWithOffset(0x05, 1, 0xab, registers.LSBFirst)
	if v.Value() != 0xabcd {
		t.Errorf("CFG = %#x, want 0xabcd", v.Value())
	}
	c.WriteWithOffset(0x05, 0, 0x11, registers.MSBFirst)
	if v.Value() != 0x11cd {
		t.Errorf("CFG = %#x, want 0x11cd", v.Value())
	}
}

func TestSnapshotDoesNotClear(t *testing.T) {
	c := registers.NewByteCollection("test")
	st := c.Define(0x00, "STATUS", 0).DefineFlag(0, "RDY", registers.ReadToClear)
	st.SetValue(true)
	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].Value != 1 {
		t.Fatalf("Snapshot = %+v", snap)
	}
	if !st.Value() {
		t.Errorf("Snapshot cleared a read-to-clear flag")
	}
}
