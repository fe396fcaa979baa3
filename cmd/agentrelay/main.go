package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/agentrelay"
	"github.com/opd-ai/agentrelay/crypto"
	"github.com/opd-ai/agentrelay/protocol"
	"github.com/opd-ai/agentrelay/queue"
	"github.com/opd-ai/agentrelay/transport"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "agentrelay",
		Short:         "Relay transport between a cli agent session and its companion devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = Version
	cmd.SetVersionTemplate("agentrelay version {{.Version}}\n")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newKeygenCmd(),
		newFingerprintCmd(),
		newDemoCmd(),
	)
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a device key pair for end-to-end encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}

			fp, err := crypto.Fingerprint(keys.Public[:])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "public:      %s\n", hex.EncodeToString(keys.Public[:]))
			fmt.Fprintf(out, "private:     %s\n", hex.EncodeToString(keys.Private[:]))
			fmt.Fprintf(out, "fingerprint: %s\n", fp)
			return nil
		},
	}
}

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <hex-public-key>",
		Short: "Print the short fingerprint of a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode public key: %w", err)
			}

			fp, err := crypto.Fingerprint(key)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
}

func newDemoCmd() *cobra.Command {
	var queuePath string
	var plaintext bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run two relay clients against an in-memory provider",
		Long: `Connects a cli device and a mobile device to the same relay channel,
exchanges an encrypted chat message and a permission round trip, and shows
the offline queue draining after a reconnect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, queuePath, plaintext)
		},
	}

	cmd.Flags().StringVar(&queuePath, "queue-db", "", "back the cli device's offline queue with a SQLite file")
	cmd.Flags().BoolVar(&plaintext, "plaintext", false, "skip end-to-end encryption")
	return cmd
}

func runDemo(cmd *cobra.Command, queuePath string, plaintext bool) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()
	provider := transport.NewMemoryProvider()

	cliStore := queue.Store(queue.NewMemoryStore())
	if queuePath != "" {
		sqliteStore, err := queue.OpenSQLiteStore(queuePath)
		if err != nil {
			return fmt.Errorf("open queue db: %w", err)
		}
		defer sqliteStore.Close()
		cliStore = sqliteStore
	}

	cli, err := agentrelay.NewClient(provider, cliStore,
		agentrelay.NewOptions("demo-user", "cli-1", protocol.DeviceCLI))
	if err != nil {
		return err
	}
	mobile, err := agentrelay.NewClient(provider, queue.NewMemoryStore(),
		agentrelay.NewOptions("demo-user", "mobile-1", protocol.DeviceMobile))
	if err != nil {
		return err
	}

	if !plaintext {
		cliKeys, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		mobileKeys, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		directory := crypto.NewMemoryDirectory()
		if err := directory.Put("cli-1", cliKeys.Public[:]); err != nil {
			return err
		}
		if err := directory.Put("mobile-1", mobileKeys.Public[:]); err != nil {
			return err
		}
		cli.EnableEncryption(cliKeys, directory)
		mobile.EnableEncryption(mobileKeys, directory)
		fmt.Fprintln(out, "end-to-end encryption enabled for both devices")
	}

	done := make(chan struct{})

	mobile.OnChat(func(msg protocol.Message, p protocol.ChatPayload) {
		fmt.Fprintf(out, "[mobile] chat from %s: %s\n", msg.SenderDeviceID, p.Content)
	})
	mobile.OnPermissionRequest(func(msg protocol.Message, p protocol.PermissionRequestPayload) {
		fmt.Fprintf(out, "[mobile] permission request %s: allow %s?\n", p.RequestID, p.Tool)
		go func() {
			if _, err := mobile.SendPermissionResponse(ctx, p.RequestID, true); err != nil {
				fmt.Fprintf(out, "[mobile] respond failed: %v\n", err)
			}
		}()
	})
	cli.OnPermissionResponse(func(msg protocol.Message, p protocol.PermissionResponsePayload) {
		fmt.Fprintf(out, "[cli] permission %s approved=%v\n", p.RequestID, p.Approved)
		close(done)
	})

	mobile.Manager().OnPeerJoin(func(state protocol.PresenceState) {
		fmt.Fprintf(out, "[mobile] peer online: %s (%s)\n", state.DeviceID, state.DeviceType)
	})

	// Queue a chat while the cli device is still offline; it drains as soon
	// as the connection comes up.
	if queued, err := cli.SendChat(ctx, "sess-demo", "queued before connecting"); err != nil {
		return err
	} else if queued {
		fmt.Fprintln(out, "[cli] offline, chat queued")
	}

	mobile.Connect()
	cli.Connect()
	defer mobile.Disconnect()
	defer cli.Disconnect()

	if err := waitConnected(cli, mobile); err != nil {
		return err
	}

	if _, err := cli.SendChat(ctx, "sess-demo", "hello from the terminal"); err != nil {
		return err
	}
	if _, err := cli.Router().SendPermissionRequest(ctx, protocol.PermissionRequestPayload{
		RequestID: "req-demo-1",
		SessionID: "sess-demo",
		Tool:      "Bash",
	}); err != nil {
		return err
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for the permission round trip")
	}

	stats, err := cli.Queue().Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[cli] queue drained: sent=%d pending=%d\n", stats.Sent, stats.Pending)
	return nil
}

func waitConnected(clients ...*agentrelay.Client) error {
	deadline := time.Now().Add(10 * time.Second)
	for _, client := range clients {
		for client.Manager().State() != agentrelay.StateConnected {
			if time.Now().After(deadline) {
				return fmt.Errorf("device %q never connected", client.Manager().ChannelName())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}
