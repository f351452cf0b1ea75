package main

import (
	"fmt"

	"github.com/goodtune/kstats/internal/config"
	"github.com/goodtune/kstats/internal/events"
	"github.com/spf13/cobra"
)

var emitCount int

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Send activity events to the daemon",
	Long:  `Send activity events to the daemon's event socket, for scripting and testing host integrations.`,
}

var emitVoiceCmd = &cobra.Command{
	Use:       "voice connected|disconnected",
	Short:     "Report a voice connection state change",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"connected", "disconnected"},
	RunE: func(cmd *cobra.Command, args []string) error {
		state := events.StateConnected
		if args[0] == "disconnected" {
			state = events.StateDisconnected
		}
		return emit(events.Event{Type: events.TypeVoice, State: state})
	},
}

var emitMessageCmd = &cobra.Command{
	Use:   "message AUTHOR_ID",
	Short: "Report a sent message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return emit(events.Event{Type: events.TypeMessage, AuthorID: args[0]})
	},
}

var emitClickCmd = &cobra.Command{
	Use:   "click",
	Short: "Report pointer clicks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if emitCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}
		evs := make([]events.Event, emitCount)
		for i := range evs {
			evs[i] = events.Event{Type: events.TypeClick}
		}
		return emit(evs...)
	},
}

func init() {
	emitClickCmd.Flags().IntVarP(&emitCount, "count", "n", 1, "Number of clicks to report")

	emitCmd.AddCommand(emitVoiceCmd)
	emitCmd.AddCommand(emitMessageCmd)
	emitCmd.AddCommand(emitClickCmd)
	rootCmd.AddCommand(emitCmd)
}

func emit(evs ...events.Event) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	resps, err := events.NewClient(cfg.Events.SocketPath).Send(evs...)
	if err != nil {
		return err
	}

	ignored := 0
	for _, r := range resps {
		if r.Ignored {
			ignored++
		}
	}
	fmt.Printf("sent %d event(s), %d ignored\n", len(resps), ignored)
	return nil
}
