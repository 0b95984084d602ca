package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"
)

const (
	minFrameSize = 2048
	maxFrameSize = 1 << 16
	defaultBlock = 1 << 20
	numBlocks    = 64
	pollTimeout  = 250 * time.Millisecond
)

// Handle reads raw Ethernet frames from an AF_PACKET mmap ring.
type Handle struct {
	tp *afpacket.TPacket
}

// Open binds a TPACKET ring to iface, or to every interface when iface is
// "any". It needs root or CAP_NET_RAW.
func Open(iface string, snaplen int) (*Handle, error) {
	if iface == "" {
		return nil, errors.New("capture: interface is required")
	}
	frame, block := ringSize(snaplen)
	opts := []any{
		afpacket.OptFrameSize(frame),
		afpacket.OptBlockSize(block),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pollTimeout),
	}
	if iface != "any" {
		opts = append(opts, afpacket.OptInterface(iface))
	}

	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("open af_packet on %s: %w (root or CAP_NET_RAW required)", iface, err)
		}
		return nil, fmt.Errorf("open af_packet on %s: %w", iface, err)
	}
	return &Handle{tp: tp}, nil
}

// ringSize picks a power-of-two frame that holds snaplen and a block size
// that is a multiple of it.
func ringSize(snaplen int) (frame, block int) {
	frame = nextPow2(snaplen)
	if frame < minFrameSize {
		frame = minFrameSize
	}
	if frame > maxFrameSize {
		frame = maxFrameSize
	}
	block = defaultBlock
	if block%frame != 0 {
		block = frame * 16
	}
	return frame, block
}

func nextPow2(v int) int {
	if v <= 1 {
		return 1
	}
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}

func (h *Handle) Close() {
	if h.tp != nil {
		h.tp.Close()
	}
}

func (h *Handle) SetBPF(ins []bpf.RawInstruction) error {
	if h.tp == nil {
		return os.ErrInvalid
	}
	if err := h.tp.SetBPF(ins); err != nil {
		return fmt.Errorf("attach bpf: %w", err)
	}
	return nil
}

// ReadPacket blocks until a frame arrives or ctx is done. The returned
// slice is only valid until the next call.
func (h *Handle) ReadPacket(ctx context.Context) ([]byte, gopacket.CaptureInfo, error) {
	if h.tp == nil {
		return nil, gopacket.CaptureInfo{}, os.ErrInvalid
	}
	for {
		data, ci, err := h.tp.ZeroCopyReadPacketData()
		if err == nil {
			return data, ci, nil
		}
		if ctx.Err() != nil {
			return nil, gopacket.CaptureInfo{}, ctx.Err()
		}
		if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) || errors.Is(err, syscall.EINTR) {
			continue
		}
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("read packet: %w", err)
	}
}
