package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/subscription"
	ws "github.com/zfogg/livecache/internal/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	watchRemote string
	watchToken  string
)

const cliScope registry.Scope = "cli"

var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Print every snapshot of a path until interrupted",
	Long: `Print the value of a path and every change to it. With --remote the
snapshots come from a running server's websocket instead of the store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := store.ParsePath(args[0])
		if err != nil {
			return err
		}
		if watchRemote != "" {
			return watchRemotePath(cmd.Context(), watchRemote, watchToken, path)
		}

		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		stream, err := b.reg.Acquire(path, cliScope)
		if err != nil {
			return err
		}
		defer b.reg.Release(path, cliScope)

		for {
			snap, err := stream.Next(cmd.Context())
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				return err
			}
			if err := printSnapshot(snapshotOf(snap), snap.ReceivedAt); err != nil {
				return err
			}
		}
	},
}

// watchRemotePath subscribes over a server's websocket. The dial is traced
// so the upgrade request joins the caller's trace.
func watchRemotePath(ctx context.Context, url, token string, path store.Path) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, ws.NewMessage(ws.MessageTypeSubscribe, ws.PathPayload{Path: string(path)})); err != nil {
		return err
	}

	for {
		var msg ws.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.Type {
		case ws.MessageTypeSnapshot:
			var snap ws.SnapshotPayload
			if err := msg.ParsePayload(&snap); err != nil {
				return err
			}
			if err := printSnapshot(snap, time.Now()); err != nil {
				return err
			}
		case ws.MessageTypeError:
			var e ws.ErrorPayload
			if err := msg.ParsePayload(&e); err != nil {
				return err
			}
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		case ws.MessageTypeSystem:
			var sys ws.SystemPayload
			if err := msg.ParsePayload(&sys); err == nil && sys.Event == "server_shutdown" {
				printWarning("server is shutting down")
				return nil
			}
		}
	}
}

func printSnapshot(snap ws.SnapshotPayload, at time.Time) error {
	return printResult(snap, func() {
		fmt.Printf("%s %s %s = %s\n",
			info.Sprintf("#%d", snap.Seq),
			at.Format("15:04:05.000"),
			bold.Sprint(snap.Path),
			formatValue(snap.Value),
		)
	})
}

func snapshotOf(s subscription.Snapshot) ws.SnapshotPayload {
	return ws.SnapshotPayload{Path: string(s.Path), Value: s.Value, Exists: s.Exists, Seq: s.Seq}
}

func init() {
	watchCmd.Flags().StringVar(&watchRemote, "remote", "", "Websocket URL of a running server, e.g. ws://localhost:8787/api/v1/ws")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Bearer token for --remote")
}
