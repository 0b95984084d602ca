package filter

import (
	"errors"
	"fmt"

	"golang.org/x/net/bpf"
)

// MaxPorts bounds the port list so every jump offset fits in a uint8.
const MaxPorts = 64

// TCPPorts builds a classic BPF program for Ethernet frames that accepts
// IPv4/TCP packets whose source or destination port is in ports.
//
// The IPv4 header length varies with options, so LoadMemShift sets
// X = 4*(ip[0]&0x0f) and the ports are read at [14+X] and [14+X+2].
func TCPPorts(ports []uint16) ([]bpf.Instruction, error) {
	n := len(ports)
	if n == 0 {
		return nil, errors.New("bpf: at least one port is required")
	}
	if n > MaxPorts {
		return nil, fmt.Errorf("bpf: at most %d ports, got %d", MaxPorts, n)
	}

	// 0 ethertype, 1 ipv4?, 2 proto, 3 tcp?, 4 ihl, 5 sport, 6.. sport checks,
	// 6+n dport, 7+n.. dport checks, 7+2n drop, 8+2n accept.
	drop := 7 + 2*n
	accept := drop + 1
	ins := make([]bpf.Instruction, 0, accept+1)
	ins = append(ins,
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipFalse: uint8(drop - 2)},
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipFalse: uint8(drop - 4)},
		bpf.LoadMemShift{Off: 14},
		bpf.LoadIndirect{Off: 14, Size: 2},
	)
	for _, p := range ports {
		ins = append(ins, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(p), SkipTrue: uint8(accept - len(ins) - 1)})
	}
	ins = append(ins, bpf.LoadIndirect{Off: 16, Size: 2})
	for _, p := range ports {
		ins = append(ins, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(p), SkipTrue: uint8(accept - len(ins) - 1)})
	}
	ins = append(ins,
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0xFFFF}, // snaplen is enforced by AF_PACKET
	)
	return ins, nil
}

// TCPPortsBPF assembles TCPPorts for the socket filter.
func TCPPortsBPF(ports []uint16) ([]bpf.RawInstruction, error) {
	ins, err := TCPPorts(ports)
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(ins)
	if err != nil {
		return nil, fmt.Errorf("assemble bpf: %w", err)
	}
	return raw, nil
}
