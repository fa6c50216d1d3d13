// Package cmd implements the CLI for tsburst.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tsforge/tsburst/internal/datagram"
	"github.com/tsforge/tsburst/internal/mpegts"
	"github.com/tsforge/tsburst/internal/pipeline"
	"github.com/tsforge/tsburst/internal/sink"
	"github.com/tsforge/tsburst/internal/source"
)

var version = "dev"

type options struct {
	// input
	input            string
	loop             bool
	listenUDP        string
	inputIface       string
	receiveBuffer    int
	srtInput         string
	srtInputListen   bool
	srtInputStreamID string

	// framing
	packetBurst   int
	enforceBurst  bool
	rtp           bool
	payloadType   uint8
	pcrPID        uint16
	startSequence uint16
	ssrc          uint32
	rs204         bool

	// UDP output
	udpDest            string
	localAddress       string
	localPort          int
	ttl                int
	tos                int
	disableMcastLoop   bool
	forceMcastOutgoing bool
	sendBuffer         int

	// SRT output
	srtDest           string
	srtStreamID       string
	srtLatency        time.Duration
	srtReconnect      int
	srtReconnectDelay time.Duration

	// QUIC output
	quicDest     string
	quicALPN     string
	quicInsecure bool

	// pipeline
	bitrate  uint64
	noPacing bool

	logLevel string
}

var opts options

var rootCmd = &cobra.Command{
	Use:     "tsburst",
	Short:   "Real-time MPEG transport stream datagram retransmitter",
	Version: version,
	Long: `tsburst reads an MPEG transport stream from a file, a UDP listening
point, or an SRT connection and retransmits it as UDP, SRT, or QUIC
datagrams, batching packets into bursts with optional RTP encapsulation.

File inputs are paced to the stream's PCR-derived bitrate by default so
receivers see real-time delivery.

Examples:
  # Loop a file to a multicast group as RTP at its own bitrate
  tsburst --input movie.ts --loop --udp 239.1.2.3:5004 --rtp

  # Relay a UDP ingest to a remote SRT listener
  tsburst --listen-udp :5000 --srt remote.example.com:6000 --srt-stream-id live/main`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
	RunE: func(c *cobra.Command, _ []string) error {
		return run(c)
	},
}

// Execute runs the root command, logging any error.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("tsburst failed", "error", err)
		return err
	}
	return nil
}

func init() {
	bindFlags(rootCmd.Flags())
}

func bindFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.input, "input", "i", "", "transport stream file to read (default stdin)")
	f.BoolVar(&opts.loop, "loop", false, "rewind the input file at EOF and keep sending")
	f.StringVar(&opts.listenUDP, "listen-udp", "", "receive the input stream on this UDP address (raw or RTP)")
	f.StringVar(&opts.inputIface, "input-interface", "", "local IP of the interface for multicast input joins")
	f.IntVar(&opts.receiveBuffer, "receive-buffer", 0, "input socket receive buffer in bytes")
	f.StringVar(&opts.srtInput, "srt-input", "", "receive the input stream over SRT from this address")
	f.BoolVar(&opts.srtInputListen, "srt-input-listen", false, "wait for an SRT sender instead of dialing")
	f.StringVar(&opts.srtInputStreamID, "srt-input-stream-id", "", "SRT stream ID to announce or require on input")

	f.IntVar(&opts.packetBurst, "packet-burst", datagram.DefaultPacketBurst,
		fmt.Sprintf("TS packets per datagram (1-%d)", datagram.MaxPacketBurst))
	f.BoolVar(&opts.enforceBurst, "enforce-burst", false, "always emit exactly packet-burst packets per datagram")
	f.BoolVar(&opts.rtp, "rtp", false, "encapsulate each datagram in an RTP header")
	f.Uint8Var(&opts.payloadType, "payload-type", datagram.RTPPayloadTypeMP2T, "RTP payload type")
	f.Uint16Var(&opts.pcrPID, "pcr-pid", 0, "PID carrying the PCR clock reference (default auto-detect)")
	f.Uint16Var(&opts.startSequence, "start-sequence-number", 0, "initial RTP sequence number (default random)")
	f.Uint32Var(&opts.ssrc, "ssrc-identifier", 0, "RTP SSRC identifier (default random)")
	f.BoolVar(&opts.rs204, "rs204", false, "send 204-byte packets with zeroed Reed-Solomon trailers")

	f.StringVar(&opts.udpDest, "udp", "", "send to this UDP destination (host:port)")
	f.StringVar(&opts.localAddress, "local-address", "", "local IP to send from")
	f.IntVar(&opts.localPort, "local-port", 0, "local UDP source port (default random)")
	f.IntVar(&opts.ttl, "ttl", 0, "time-to-live for outgoing datagrams")
	f.IntVar(&opts.tos, "tos", -1, "type-of-service / traffic class for outgoing datagrams")
	f.BoolVar(&opts.disableMcastLoop, "disable-multicast-loop", false, "do not loop outgoing multicast back to local listeners")
	f.BoolVar(&opts.forceMcastOutgoing, "force-local-multicast-outgoing", false, "force outgoing multicast onto the local-address interface")
	f.IntVar(&opts.sendBuffer, "send-buffer", 0, "output socket send buffer in bytes")

	f.StringVar(&opts.srtDest, "srt", "", "send to this remote SRT listener (host:port)")
	f.StringVar(&opts.srtStreamID, "srt-stream-id", "", "SRT stream ID to announce on output")
	f.DurationVar(&opts.srtLatency, "srt-latency", 0, "SRT latency (default 120ms)")
	f.IntVar(&opts.srtReconnect, "srt-reconnect", 0, "SRT reconnection attempts after a send failure")
	f.DurationVar(&opts.srtReconnectDelay, "srt-reconnect-delay", time.Second, "delay between SRT reconnection attempts")

	f.StringVar(&opts.quicDest, "quic", "", "send QUIC datagrams to this endpoint (host:port)")
	f.StringVar(&opts.quicALPN, "quic-alpn", "", "ALPN protocol to announce to the QUIC peer")
	f.BoolVar(&opts.quicInsecure, "quic-insecure", false, "skip QUIC server certificate verification")

	f.Uint64Var(&opts.bitrate, "bitrate", 0, "fixed bitrate in bits/second (default derive from PCRs)")
	f.BoolVar(&opts.noPacing, "no-pacing", false, "send file input as fast as the output accepts it")

	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func initLogging() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	switch strings.ToLower(opts.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", opts.logLevel)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func run(c *cobra.Command) error {
	ctx, cancel := context.WithCancel(c.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	input, paceable, err := openInput(ctx)
	if err != nil {
		return err
	}
	defer input.Close()

	snk, err := openSink(ctx)
	if err != nil {
		return err
	}

	out := datagram.NewOutput(datagramConfig(c), snk)
	if err := out.Open(); err != nil {
		snk.Close()
		return err
	}
	slog.Info("tsburst starting",
		"version", version,
		"max_datagram", out.MaxPayloadSize(),
		"rtp", opts.rtp,
	)

	p := pipeline.New(pipeline.Config{
		FixedBitrate: opts.bitrate,
		PCRPID:       pcrPID(c),
		BurstSize:    opts.packetBurst,
		Pace:         paceable && !opts.noPacing,
	}, input, out)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The watcher below only wakes on cancellation, so a normal end
		// of stream must cancel too or Wait would never return.
		defer cancel()
		return p.Run(ctx)
	})
	g.Go(func() error {
		// Unblock reads on network inputs when the pipeline must stop.
		<-ctx.Done()
		input.Close()
		return nil
	})

	runErr := g.Wait()
	if err := out.Close(p.Bitrate()); err != nil && runErr == nil {
		runErr = err
	}
	if err := snk.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// openInput builds the configured source. The second return value
// reports whether the source needs wall-clock pacing.
func openInput(ctx context.Context) (io.ReadCloser, bool, error) {
	set := 0
	for _, s := range []string{opts.input, opts.listenUDP, opts.srtInput} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return nil, false, fmt.Errorf("only one of --input, --listen-udp, --srt-input may be given")
	}

	switch {
	case opts.listenUDP != "":
		r, err := source.ListenUDP(source.UDPConfig{
			Address:           opts.listenUDP,
			InterfaceAddress:  opts.inputIface,
			ReceiveBufferSize: opts.receiveBuffer,
		})
		return r, false, err
	case opts.srtInput != "":
		r, err := source.OpenSRT(ctx, source.SRTConfig{
			Address:  opts.srtInput,
			Listen:   opts.srtInputListen,
			StreamID: opts.srtInputStreamID,
			Latency:  opts.srtLatency,
		})
		return r, false, err
	case opts.input != "":
		r, err := source.OpenFile(opts.input, opts.loop)
		return r, true, err
	default:
		return io.NopCloser(os.Stdin), false, nil
	}
}

// openSink builds the configured output transport.
func openSink(ctx context.Context) (datagram.Sink, error) {
	set := 0
	for _, s := range []string{opts.udpDest, opts.srtDest, opts.quicDest} {
		if s != "" {
			set++
		}
	}
	if set == 0 {
		return nil, fmt.Errorf("an output is required: one of --udp, --srt, --quic")
	}
	if set > 1 {
		return nil, fmt.Errorf("only one of --udp, --srt, --quic may be given")
	}

	switch {
	case opts.udpDest != "":
		return sink.DialUDP(sink.UDPConfig{
			Destination:                 opts.udpDest,
			LocalAddress:                opts.localAddress,
			LocalPort:                   opts.localPort,
			TTL:                         opts.ttl,
			TOS:                         opts.tos,
			DisableMulticastLoop:        opts.disableMcastLoop,
			ForceLocalMulticastOutgoing: opts.forceMcastOutgoing,
			SendBufferSize:              opts.sendBuffer,
		})
	case opts.srtDest != "":
		return sink.DialSRT(sink.SRTConfig{
			Address:        opts.srtDest,
			StreamID:       opts.srtStreamID,
			Latency:        opts.srtLatency,
			MaxReconnects:  opts.srtReconnect,
			ReconnectDelay: opts.srtReconnectDelay,
		})
	default:
		return sink.DialQUIC(ctx, sink.QUICConfig{
			Address:            opts.quicDest,
			ALPN:               opts.quicALPN,
			InsecureSkipVerify: opts.quicInsecure,
		})
	}
}

// datagramConfig maps the CLI flags onto the framing configuration.
// Flags left at their defaults keep the randomized RTP identifiers.
func datagramConfig(c *cobra.Command) datagram.Config {
	cfg := datagram.DefaultConfig()
	cfg.PacketBurst = opts.packetBurst
	cfg.EnforceBurst = opts.enforceBurst
	cfg.RTP = opts.rtp
	cfg.PayloadType = opts.payloadType
	cfg.RS204 = opts.rs204
	cfg.PCRPID = pcrPID(c)
	if c.Flags().Changed("start-sequence-number") {
		cfg.FixedSequence = true
		cfg.StartSequence = opts.startSequence
	}
	if c.Flags().Changed("ssrc-identifier") {
		cfg.FixedSSRC = true
		cfg.SSRC = opts.ssrc
	}
	return cfg
}

func pcrPID(c *cobra.Command) uint16 {
	if c.Flags().Changed("pcr-pid") {
		return opts.pcrPID
	}
	return mpegts.PIDNull
}
