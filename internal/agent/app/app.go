package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"trafficgw/internal/agent/capture"
	"trafficgw/internal/agent/filter"
	"trafficgw/internal/agent/httpmatcher"
	"trafficgw/internal/agent/pidmap"
	"trafficgw/internal/agent/report"
	"trafficgw/pkg/model"
)

const snaplen = 65535

// pidResolver is satisfied by *pidmap.Resolver.
type pidResolver interface {
	Lookup(srcIP string, srcPort int, dstIP string, dstPort int) int
}

// reporter is satisfied by *report.Client.
type reporter interface {
	Add(ctx context.Context, rec model.TrafficRecord) error
	Flush(ctx context.Context) error
}

func Run(ctx context.Context, cfg Config, log *slog.Logger) error {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interface == "" || cfg.Server == "" {
		return errors.New("interface and server are required")
	}

	handle, err := capture.Open(cfg.Interface, snaplen)
	if err != nil {
		return err
	}
	defer handle.Close()

	// Filtering in the kernel keeps non-HTTP traffic out of user space.
	raw, err := filter.TCPPortsBPF(cfg.Ports)
	if err != nil {
		return err
	}
	if err := handle.SetBPF(raw); err != nil {
		return err
	}

	rep, err := report.NewClient(cfg.Server, cfg.PostTimeout, cfg.BatchSize, log)
	if err != nil {
		return err
	}

	var resolver pidResolver
	if cfg.EnableEBPF {
		r, err := pidmap.NewResolver(cfg.Ports, log)
		if err != nil {
			return err
		}
		defer r.Close()
		resolver = r
	}

	p := &pipeline{
		matcher: httpmatcher.NewMatcher(httpmatcher.Options{
			Timeout:    cfg.RequestTimeout,
			AccountID:  cfg.AccountID,
			VxlanID:    cfg.VxlanID,
			LocalPorts: cfg.Ports,
		}),
		resolver: resolver,
		reporter: rep,
		log:      log,
	}

	log.Info("capture started", "iface", cfg.Interface, "ports", cfg.Ports, "server", cfg.Server)

	packets := make(chan packetIn, 256)
	go readLoop(ctx, handle, packets, log)

	flush := time.NewTicker(cfg.FlushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(2 * time.Second)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PostTimeout)
			defer cancel()
			if err := rep.Flush(shutdownCtx); err != nil {
				log.Warn("final flush failed", "error", err)
			}
			return nil
		case <-flush.C:
			if err := rep.Flush(ctx); err != nil {
				log.Warn("report failed, continuing capture", "error", err)
			}
		case now := <-cleanup.C:
			if n := p.matcher.Cleanup(now); n > 0 {
				log.Debug("evicted stale requests", "count", n)
			}
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			p.handle(ctx, pkt.data, pkt.ci)
		}
	}
}

type packetIn struct {
	data []byte
	ci   gopacket.CaptureInfo
}

func readLoop(ctx context.Context, h *capture.Handle, out chan<- packetIn, log *slog.Logger) {
	defer close(out)
	for {
		data, ci, err := h.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("capture stopped", "error", err)
			}
			return
		}
		// The ring slot is reused on the next read.
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case out <- packetIn{data: buf, ci: ci}:
		case <-ctx.Done():
			return
		}
	}
}

type pipeline struct {
	matcher  *httpmatcher.Matcher
	resolver pidResolver
	reporter reporter
	log      *slog.Logger
}

func (p *pipeline) handle(ctx context.Context, data []byte, ci gopacket.CaptureInfo) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	ip4, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return
	}
	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || len(tcp.Payload) == 0 {
		return
	}

	meta := httpmatcher.PacketMeta{
		Timestamp: ci.Timestamp,
		SrcIP:     ip4.SrcIP.String(),
		DstIP:     ip4.DstIP.String(),
		SrcPort:   int(tcp.SrcPort),
		DstPort:   int(tcp.DstPort),
		Payload:   tcp.Payload,
	}
	if p.matcher.ObserveRequest(meta) {
		return
	}
	ex, ok := p.matcher.ObserveResponse(meta)
	if !ok {
		return
	}
	if p.resolver != nil {
		if pid := p.resolver.Lookup(ex.ClientIP, ex.ClientPort, ex.ServerIP, ex.ServerPort); pid > 0 {
			ex.Record.ProcessID = strconv.Itoa(pid)
		}
	}
	if err := p.reporter.Add(ctx, ex.Record); err != nil {
		p.log.Warn("report failed, continuing capture", "error", err)
	}
}
