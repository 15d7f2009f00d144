package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/hrcall/pkg/audio"
	"github.com/harunnryd/hrcall/pkg/callagent"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/store"
	"github.com/harunnryd/hrcall/pkg/store/filestore"
	"github.com/harunnryd/hrcall/pkg/transports"
	"github.com/harunnryd/hrcall/pkg/transports/twilio"
	"github.com/harunnryd/hrcall/pkg/vad"
)

const defaultConfigFile = "hrcall.yaml"

type dialOptions struct {
	To   string
	From string
	URL  string
}

// resolveConfigPath prefers the flag, then HRCALL_CONFIG, then ./hrcall.yaml
// when present. An empty result runs on defaults and environment only.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("HRCALL_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// runServe implements the serve command: it runs the engine until SIGINT or
// SIGTERM and optionally dials one number once the listener is bound.
func runServe(ctx context.Context, configPath string, dial dialOptions) error {
	cfg, err := callagent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := callagent.NewEngine(ctx, callagent.EngineOptions{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	var dialer transports.OutboundDialer
	if dial.To != "" {
		d := engine.Dialer()
		if d == nil {
			_ = engine.Store().Close()
			return errors.New("--dial-to requires twilio.enabled")
		}
		dialer = d
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = engine.Store().Close()
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	if dialer != nil {
		go func() {
			sid, err := placeCall(ctx, dialer, dial)
			if err != nil {
				slog.Error("outbound_dial_failed", "error", err)
				return
			}
			slog.Info("outbound_dial_started", "call_sid", sid)
		}()
	}
	return engine.Serve(ctx, ln)
}

func runDial(cmd *cobra.Command, configPath string, opts dialOptions) error {
	cfg, err := callagent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	initCLILogger(cfg, cmd.ErrOrStderr())
	dialer := twilio.NewDialer(cfg.TwilioTransportConfig())
	sid, err := placeCall(cmd.Context(), dialer, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sid)
	return nil
}

func placeCall(ctx context.Context, dialer transports.OutboundDialer, opts dialOptions) (string, error) {
	to := twilio.Normalize(opts.To)
	if to == "" {
		return "", fmt.Errorf("invalid destination number %q", opts.To)
	}
	return dialer.Dial(ctx, to, opts.From, opts.URL)
}

func runCallsList(cmd *cobra.Command, configPath string, limit int) error {
	return withStore(cmd, configPath, func(ctx context.Context, gw store.Gateway) error {
		calls, err := gw.List(ctx, store.ClampLimit(limit))
		if err != nil {
			return fmt.Errorf("list calls: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"calls": calls})
	})
}

func runCallsShow(cmd *cobra.Command, configPath, id string, transcript bool) error {
	return withStore(cmd, configPath, func(ctx context.Context, gw store.Gateway) error {
		if !store.ValidID(id) {
			return fmt.Errorf("call not found: %s", id)
		}
		rec, ok, err := gw.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get call: %w", err)
		}
		if !ok {
			return fmt.Errorf("call not found: %s", id)
		}
		if transcript {
			_, err := io.WriteString(cmd.OutOrStdout(), filestore.RenderTranscript(rec.Transcript))
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	})
}

func runCallsStats(cmd *cobra.Command, configPath string) error {
	return withStore(cmd, configPath, func(ctx context.Context, gw store.Gateway) error {
		stats, err := gw.Stats(ctx)
		if err != nil {
			return fmt.Errorf("call stats: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), stats)
	})
}

type vadOptions struct {
	Threshold float64
	HoldOffMS int
	FrameMS   int
}

// runVAD feeds the recording to the detector in frame-sized samples clocked
// by their offset, so the output does not depend on wall time.
func runVAD(cmd *cobra.Command, configPath, path string, opts vadOptions) error {
	cfg, err := callagent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	initCLILogger(cfg, cmd.ErrOrStderr())
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read recording: %w", err)
	}
	pcm, rate, ok := audio.DecodeWAV(data)
	if !ok {
		pcm, rate = data, cfg.Audio.SampleRate
	}
	if rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", rate)
	}
	if opts.FrameMS <= 0 {
		return fmt.Errorf("frame-ms must be positive, got %d", opts.FrameMS)
	}
	vcfg := cfg.VAD
	if opts.Threshold > 0 {
		vcfg.Threshold = opts.Threshold
	}
	if opts.HoldOffMS > 0 {
		vcfg.HoldOffMS = opts.HoldOffMS
	}

	frame := rate * opts.FrameMS / 1000 * 2
	if frame <= 0 {
		frame = 2
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	samples := make(chan vad.Sample)
	var origin time.Time
	go func() {
		defer close(samples)
		for off := 0; off < len(pcm); off += frame {
			chunk := pcm[off:min(off+frame, len(pcm))]
			s := vad.Sample{Energy: audio.RMS(chunk), At: origin.Add(audio.Duration(pcm[:off+len(chunk)], rate))}
			select {
			case samples <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	out := cmd.OutOrStdout()
	segments := 0
	for ev := range vad.New(vcfg).Stream(ctx, samples) {
		if ev.Kind == vad.SpeechEnded {
			segments++
		}
		fmt.Fprintf(out, "%8.3fs %s\n", ev.At.Sub(origin).Seconds(), ev.Kind)
	}
	fmt.Fprintf(out, "%d segments in %s\n", segments, audio.Duration(pcm, rate).Round(time.Millisecond))
	return nil
}

func withStore(cmd *cobra.Command, configPath string, fn func(context.Context, store.Gateway) error) error {
	cfg, err := callagent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	initCLILogger(cfg, cmd.ErrOrStderr())
	ctx := cmd.Context()
	gw, err := callagent.OpenStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer gw.Close()
	return fn(ctx, gw)
}

func initCLILogger(cfg callagent.Config, w io.Writer) {
	logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: w})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
