package pidmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// maxPorts bounds the number of port comparisons in the generated program.
const maxPorts = 16

// Resolver maps established IPv4 TCP flows on the watched ports to the pid
// that was current when the socket reached ESTABLISHED. Both directions of
// a flow are recorded.
type Resolver struct {
	m    *ebpf.Map
	prog *ebpf.Program
	tp   link.Link
	log  *slog.Logger

	dumpOnce sync.Once
}

// flowKey mirrors the 16-byte key written by the kernel program.
type flowKey struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Pad     uint32
}

type offsets struct {
	family   int16
	newstate int16
	sport    int16
	dport    int16
	saddr    int16
	daddr    int16
}

// NewResolver loads the program onto sock/inet_sock_set_state. Field
// offsets come from kernel BTF so no compiled object is shipped.
func NewResolver(ports []uint16, log *slog.Logger) (*Resolver, error) {
	if len(ports) == 0 || len(ports) > maxPorts {
		return nil, fmt.Errorf("pidmap: need 1 to %d ports, got %d", maxPorts, len(ports))
	}
	if log == nil {
		log = slog.Default()
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("load kernel btf: %w", err)
	}
	var st *btf.Struct
	if err := spec.TypeByName("trace_event_raw_inet_sock_set_state", &st); err != nil {
		return nil, fmt.Errorf("find tracepoint struct: %w", err)
	}
	off, err := resolveOffsets(st)
	if err != nil {
		return nil, err
	}
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "flow_pid_map",
		Type:       ebpf.Hash,
		KeySize:    16,
		ValueSize:  4,
		MaxEntries: 65535,
	})
	if err != nil {
		return nil, fmt.Errorf("create map: %w", err)
	}
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.TracePoint,
		Instructions: buildProgram(m, off, ports),
		License:      "GPL",
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("load program: %w", err)
	}
	tp, err := link.Tracepoint("sock", "inet_sock_set_state", prog, nil)
	if err != nil {
		prog.Close()
		m.Close()
		return nil, fmt.Errorf("attach tracepoint: %w", err)
	}
	return &Resolver{m: m, prog: prog, tp: tp, log: log}, nil
}

// Lookup returns the pid for the flow, or 0 when unknown. The kernel may
// store ports in either byte order depending on the tracepoint layout, so
// both are tried.
func (r *Resolver) Lookup(srcIP string, srcPort int, dstIP string, dstPort int) int {
	if r == nil || r.m == nil {
		return 0
	}
	var pid uint32
	for _, mk := range []func(string, int, string, int) (flowKey, bool){makeKeyNet, makeKeyHost} {
		key, ok := mk(srcIP, srcPort, dstIP, dstPort)
		if !ok {
			return 0
		}
		if err := r.m.Lookup(&key, &pid); err == nil {
			return int(pid)
		} else if !errors.Is(err, ebpf.ErrKeyNotExist) {
			r.log.Debug("pidmap lookup", "error", err)
		}
	}
	r.dumpOnce.Do(func() {
		r.log.Debug("pidmap miss", "src", fmt.Sprintf("%s:%d", srcIP, srcPort), "dst", fmt.Sprintf("%s:%d", dstIP, dstPort))
		r.dump(20)
	})
	return 0
}

func (r *Resolver) dump(limit int) {
	var key flowKey
	var val uint32
	iter := r.m.Iterate()
	for n := 0; n < limit && iter.Next(&key, &val); n++ {
		src := make(net.IP, 4)
		binary.LittleEndian.PutUint32(src, key.SrcIP)
		dst := make(net.IP, 4)
		binary.LittleEndian.PutUint32(dst, key.DstIP)
		r.log.Debug("pidmap entry",
			"src", fmt.Sprintf("%s:%d", src, toNetPort(key.SrcPort)),
			"dst", fmt.Sprintf("%s:%d", dst, toNetPort(key.DstPort)),
			"pid", val,
		)
	}
}

func (r *Resolver) Close() error {
	var firstErr error
	if r.tp != nil {
		if err := r.tp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.prog != nil {
		if err := r.prog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.m != nil {
		if err := r.m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func makeKeyNet(srcIP string, srcPort int, dstIP string, dstPort int) (flowKey, bool) {
	k, ok := makeKeyHost(srcIP, srcPort, dstIP, dstPort)
	if !ok {
		return flowKey{}, false
	}
	k.SrcPort = toNetPort(k.SrcPort)
	k.DstPort = toNetPort(k.DstPort)
	return k, true
}

// makeKeyHost keeps the address bytes in network order in memory.
func makeKeyHost(srcIP string, srcPort int, dstIP string, dstPort int) (flowKey, bool) {
	sip := net.ParseIP(srcIP).To4()
	dip := net.ParseIP(dstIP).To4()
	if sip == nil || dip == nil {
		return flowKey{}, false
	}
	return flowKey{
		SrcIP:   binary.LittleEndian.Uint32(sip),
		DstIP:   binary.LittleEndian.Uint32(dip),
		SrcPort: uint16(srcPort),
		DstPort: uint16(dstPort),
	}, true
}

func toNetPort(p uint16) uint16 {
	return (p << 8) | (p >> 8)
}

func resolveOffsets(st *btf.Struct) (offsets, error) {
	var out offsets
	fields := map[string]*int16{
		"family":   &out.family,
		"newstate": &out.newstate,
		"sport":    &out.sport,
		"dport":    &out.dport,
		"saddr":    &out.saddr,
		"daddr":    &out.daddr,
	}
	for name, dst := range fields {
		v, err := memberOffset(st, name)
		if err != nil {
			return offsets{}, err
		}
		*dst = v
	}
	return out, nil
}

func memberOffset(st *btf.Struct, name string) (int16, error) {
	for _, m := range st.Members {
		if m.Name == name {
			return int16(m.Offset / 8), nil
		}
	}
	return 0, fmt.Errorf("tracepoint struct has no member %q", name)
}

// portChecks jumps to "match" when reg holds any port in either byte order.
func portChecks(reg asm.Register, ports []uint16) asm.Instructions {
	out := make(asm.Instructions, 0, 4*len(ports))
	for _, p := range ports {
		out = append(out,
			asm.JEq.Imm(reg, int32(toNetPort(p)), "match"),
			asm.JEq.Imm(reg, int32(p), "match"),
		)
	}
	return out
}

func buildProgram(m *ebpf.Map, off offsets, ports []uint16) asm.Instructions {
	const (
		afInet         = 2
		tcpEstablished = 1
		keyOffset      = -32
		valueOffset    = -16
		keySrcIPOffset = keyOffset
		keyDstIPOffset = keyOffset + 4
		keySrcPOffset  = keyOffset + 8
		keyDstPOffset  = keyOffset + 10
		keyPadOffset   = keyOffset + 12
	)

	// store writes the key (a, b, pa, pb) and calls map_update_elem.
	store := func(a, b, pa, pb asm.Register) asm.Instructions {
		return asm.Instructions{
			asm.StoreMem(asm.RFP, keySrcIPOffset, a, asm.Word),
			asm.StoreMem(asm.RFP, keyDstIPOffset, b, asm.Word),
			asm.StoreMem(asm.RFP, keySrcPOffset, pa, asm.Half),
			asm.StoreMem(asm.RFP, keyDstPOffset, pb, asm.Half),
			asm.StoreImm(asm.RFP, keyPadOffset, 0, asm.Word),
			asm.LoadMapPtr(asm.R1, m.FD()),
			asm.Mov.Reg(asm.R2, asm.RFP),
			asm.Add.Imm(asm.R2, keyOffset),
			asm.Mov.Reg(asm.R3, asm.RFP),
			asm.Add.Imm(asm.R3, valueOffset),
			asm.Mov.Imm(asm.R4, 0),
			asm.FnMapUpdateElem.Call(),
		}
	}
	// reload restores the flow fields clobbered by the helper call.
	reload := asm.Instructions{
		asm.LoadMem(asm.R2, asm.R6, off.sport, asm.Half),
		asm.LoadMem(asm.R3, asm.R6, off.dport, asm.Half),
		asm.LoadMem(asm.R4, asm.R6, off.saddr, asm.Word),
		asm.LoadMem(asm.R5, asm.R6, off.daddr, asm.Word),
	}

	ins := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R1, asm.R6, off.family, asm.Half),
		asm.JNE.Imm(asm.R1, afInet, "exit"),
		asm.LoadMem(asm.R1, asm.R6, off.newstate, asm.Word),
		asm.JNE.Imm(asm.R1, tcpEstablished, "exit"),
		asm.LoadMem(asm.R2, asm.R6, off.sport, asm.Half),
		asm.LoadMem(asm.R3, asm.R6, off.dport, asm.Half),
	}
	ins = append(ins, portChecks(asm.R2, ports)...)
	ins = append(ins, portChecks(asm.R3, ports)...)
	ins = append(ins,
		asm.Ja.Label("exit"),
		asm.FnGetCurrentPidTgid.Call().WithSymbol("match"),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, valueOffset, asm.R0, asm.Word),
	)
	ins = append(ins, reload...)
	ins = append(ins, store(asm.R4, asm.R5, asm.R2, asm.R3)...)
	ins = append(ins, reload...)
	ins = append(ins, store(asm.R5, asm.R4, asm.R3, asm.R2)...)
	ins = append(ins,
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	)
	return ins
}
