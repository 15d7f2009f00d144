package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the call service.
func buildServeCmd(configPath *string) *cobra.Command {
	var dial dialOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the call server",
		Long: `Start the call server: the browser websocket at server.ws_path, the
Twilio webhooks and media stream when twilio.enabled is set, and the read API
(/, /health, /calls, /stats, /metrics).

Open calls are ended and persisted on SIGINT/SIGTERM before the process exits.`,
		Example: `  # Start with defaults (mock adapters, file store in ./data)
  hrcall serve

  # Start and immediately dial an HR contact
  hrcall serve -c hrcall.yaml --dial-to +15551234567`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(*configPath), dial)
		},
	}
	cmd.Flags().StringVar(&dial.To, "dial-to", "", "Destination number to call once the server is listening")
	cmd.Flags().StringVar(&dial.From, "dial-from", "", "Caller ID for --dial-to (default twilio.from_number)")
	cmd.Flags().StringVar(&dial.URL, "dial-url", "", "Override the voice webhook URL for --dial-to")
	return cmd
}

// buildDialCmd creates the "dial" command that places one outbound call.
func buildDialCmd(configPath *string) *cobra.Command {
	var opts dialOptions
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place an outbound call to an HR contact",
		Long: `Place an outbound call through the Twilio REST API. The call connects back
to the voice webhook of a running "hrcall serve", so server.public_url (or
twilio.public_url) must point at it.`,
		Example: `  hrcall dial --to +15551234567
  hrcall dial --to "(555) 123-4567" --from +15557654321`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDial(cmd, resolveConfigPath(*configPath), opts)
		},
	}
	cmd.Flags().StringVar(&opts.To, "to", "", "Destination number (required)")
	cmd.Flags().StringVar(&opts.From, "from", "", "Caller ID (default twilio.from_number)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "Override the voice webhook URL")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// buildCallsCmd creates the "calls" command group over the configured store.
func buildCallsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Browse stored calls",
	}
	cmd.AddCommand(
		buildCallsListCmd(configPath),
		buildCallsShowCmd(configPath),
		buildCallsStatsCmd(configPath),
	)
	return cmd
}

func buildCallsListCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallsList(cmd, resolveConfigPath(*configPath), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of calls (1-500)")
	return cmd
}

func buildCallsShowCmd(configPath *string) *cobra.Command {
	var transcript bool
	cmd := &cobra.Command{
		Use:   "show <call-id>",
		Short: "Show one call record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallsShow(cmd, resolveConfigPath(*configPath), args[0], transcript)
		},
	}
	cmd.Flags().BoolVarP(&transcript, "transcript", "t", false, "Print the rendered transcript instead of JSON")
	return cmd
}

func buildCallsStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate call statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallsStats(cmd, resolveConfigPath(*configPath))
		},
	}
}

// buildVADCmd creates the "vad" command that replays a recording through the
// turn detector, for tuning vad.threshold and vad.hold_off_ms.
func buildVADCmd(configPath *string) *cobra.Command {
	var opts vadOptions
	cmd := &cobra.Command{
		Use:   "vad <file>",
		Short: "Print the speech segments the detector finds in a recording",
		Long: `Replay a WAV file (16-bit mono) or raw PCM16LE at audio.sample_rate through
the voice activity detector with the configured vad settings and print every
speech_started / speech_ended transition with its offset.`,
		Example: `  hrcall vad sample.wav
  hrcall vad --threshold 0.05 --frame-ms 20 call.raw`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVAD(cmd, resolveConfigPath(*configPath), args[0], opts)
		},
	}
	cmd.Flags().Float64Var(&opts.Threshold, "threshold", 0, "Override vad.threshold")
	cmd.Flags().IntVar(&opts.HoldOffMS, "hold-off-ms", 0, "Override vad.hold_off_ms")
	cmd.Flags().IntVar(&opts.FrameMS, "frame-ms", 20, "Chunk length fed to the detector")
	return cmd
}
