package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gastric-adci/collab-signaling/config"
	"github.com/gastric-adci/collab-signaling/internal/logging"
	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/gastric-adci/collab-signaling/internal/p2p"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "p2p-peer",
		Short: "Peer-to-peer collaboration client",
	}
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and exchange messages with its members",
		Long: "Joins a room through the signaling server and opens a data channel to every member.\n" +
			"Each line read from stdin is broadcast to connected peers. Lines starting with\n" +
			"/sync are relayed through the signaling server as data_sync messages instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			peerCfg := cfg.Peer
			if server, _ := cmd.Flags().GetString("server"); server != "" {
				peerCfg.SignalingURL = server
			}
			room, _ := cmd.Flags().GetString("room")
			userID, _ := cmd.Flags().GetString("user-id")
			userName, _ := cmd.Flags().GetString("user-name")
			token, _ := cmd.Flags().GetString("token")

			logger := logging.New(cfg.Environment)
			return runPeer(cmd.Context(), peerCfg, token, room, models.PeerMetadata{UserID: userID, UserName: userName}, logger)
		},
	}
	cmd.Flags().String("room", "", "Room to join")
	cmd.Flags().String("server", "", "Signaling WebSocket URL (overrides SIGNALING_URL)")
	cmd.Flags().String("user-id", "", "User identifier announced to peers")
	cmd.Flags().String("user-name", "", "Display name announced to peers")
	cmd.Flags().String("token", "", "Bearer token for servers that require authentication")
	cmd.MarkFlagRequired("room")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective peer configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg.Peer, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func runPeer(parent context.Context, cfg config.PeerConfig, token, room string, metadata models.PeerMetadata, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector := p2p.New(cfg, token, logger)
	defer connector.Disconnect()

	logEvents(connector, logger)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := connector.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.SignalingURL, err)
	}

	assigned := make(chan struct{}, 1)
	sub := connector.On(p2p.EventLocalPeerAssigned, func(p2p.Event) {
		select {
		case assigned <- struct{}{}:
		default:
		}
	})
	if connector.Status().PeerID == "" {
		select {
		case <-assigned:
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Second):
			return fmt.Errorf("no peer id assigned by %s", cfg.SignalingURL)
		}
	}
	connector.Off(p2p.EventLocalPeerAssigned, sub)

	if err := connector.JoinRoom(room, metadata); err != nil {
		return fmt.Errorf("join room %s: %w", room, err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("leaving room")
			connector.LeaveRoom()
			return nil
		case line, ok := <-lines:
			if !ok {
				connector.LeaveRoom()
				return nil
			}
			handleInput(connector, line, logger)
		}
	}
}

func handleInput(connector *p2p.Connector, line string, logger zerolog.Logger) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/status":
		status := connector.Status()
		logger.Info().
			Str("peer_id", status.PeerID).
			Str("room_id", status.RoomID).
			Str("signaling", string(status.SignalingState)).
			Strs("connected_peers", status.ConnectedPeers).
			Int("channels", status.ChannelCount).
			Msg("status")
	case strings.HasPrefix(line, "/sync "):
		text := strings.TrimSpace(strings.TrimPrefix(line, "/sync "))
		if err := connector.SyncData(map[string]string{"text": text}, "chat"); err != nil {
			logger.Warn().Err(err).Msg("sync failed")
		}
	default:
		sent := connector.Broadcast(map[string]string{"text": line})
		logger.Debug().Int("peers", sent).Msg("broadcast")
	}
}

func logEvents(connector *p2p.Connector, logger zerolog.Logger) {
	for _, name := range []p2p.EventName{
		p2p.EventSignalingConnected,
		p2p.EventSignalingDisconnected,
		p2p.EventServerShutdown,
		p2p.EventError,
		p2p.EventLocalPeerAssigned,
		p2p.EventRoomJoined,
		p2p.EventRoomLeft,
		p2p.EventPeerJoined,
		p2p.EventPeerLeft,
		p2p.EventPeerConnected,
		p2p.EventPeerDisconnected,
		p2p.EventConnectionFailed,
		p2p.EventDataChannelOpen,
		p2p.EventDataChannelClosed,
		p2p.EventPeerData,
		p2p.EventDataSync,
	} {
		connector.On(name, func(e p2p.Event) {
			entry := logger.Info().Str("event", string(e.Name))
			if e.PeerID != "" {
				entry = entry.Str("peer_id", e.PeerID)
			}
			if e.RoomID != "" {
				entry = entry.Str("room_id", e.RoomID)
			}
			if e.SyncType != "" {
				entry = entry.Str("sync_type", e.SyncType)
			}
			if len(e.Payload) > 0 {
				entry = entry.RawJSON("payload", e.Payload)
			}
			if e.Message != "" {
				entry = entry.Str("message", e.Message)
			}
			if e.Err != nil {
				entry = entry.AnErr("cause", e.Err)
			}
			entry.Msg("p2p event")
		})
	}
}
