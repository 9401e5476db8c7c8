package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

// WatchCmd returns the watch command.
func WatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a relay and print the events it pushes",
		Long: `Connect to the relay WebSocket endpoint, complete the hello handshake and
print every event received until interrupted.

Usage:
  relay watch --user-id 1 --email me@example.com --department 3
  relay watch --token <jwt> --feature 42     # replay feature 42 first
  relay watch --user-id 1 --email me@example.com --raw`,
		RunE: runWatch,
	}

	cmd.Flags().String("addr", "ws://localhost:8090/ws", "Relay WebSocket address")
	cmd.Flags().String("token", "", "Signed identity token (relays with JWT_SECRET)")
	cmd.Flags().Int64("feature", 0, "Request a replay of this feature's latest run after connecting")
	cmd.Flags().Bool("raw", false, "Print messages as JSON lines")
	addIdentityFlags(cmd)

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	featureID, _ := cmd.Flags().GetInt64("feature")
	raw, _ := cmd.Flags().GetBool("raw")

	hello := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeHello, Ts: time.Now().UnixMilli()},
		Token:       token,
	}
	if token == "" {
		id := identityFromFlags(cmd)
		hello.User = &id
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connecting to %s...\n", addr)
	client, err := NewClient(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ack, err := client.Hello(hello)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s connection %s (user %d)\n", color.New(color.FgGreen).Sprint("Connected:"), ack.ConnectionID, ack.UserID)

	if featureID > 0 {
		if err := client.RequestReplay(featureID); err != nil {
			return err
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	errc := make(chan error, 1)
	go func() { errc <- client.ReadMessages(out, raw) }()

	select {
	case <-interrupt:
		fmt.Fprintln(out, "\nInterrupted")
		return nil
	case err := <-errc:
		return err
	}
}

// Client is a relay WebSocket client.
type Client struct {
	conn *websocket.Conn
}

// NewClient connects to the relay.
func NewClient(addr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// Hello sends the handshake and waits for hello_ack.
func (c *Client) Hello(msg protocol.HelloMessage) (protocol.HelloAckMessage, error) {
	var ack protocol.HelloAckMessage
	if err := c.conn.WriteJSON(msg); err != nil {
		return ack, fmt.Errorf("write hello: %w", err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return ack, fmt.Errorf("read hello_ack: %w", err)
	}

	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return ack, fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if base.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		json.Unmarshal(data, &errMsg)
		return ack, fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)
	}
	if base.Type != protocol.TypeHelloAck {
		return ack, fmt.Errorf("expected hello_ack, got: %s", base.Type)
	}

	if err := json.Unmarshal(data, &ack); err != nil {
		return ack, fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	return ack, nil
}

// RequestReplay asks for the latest run log of a feature.
func (c *Client) RequestReplay(featureID int64) error {
	return c.conn.WriteJSON(map[string]interface{}{
		"type":       protocol.TypeFeaturePastMessages,
		"ts":         time.Now().UnixMilli(),
		"feature_id": featureID,
	})
}

// ReadMessages prints messages until the connection closes. A normal close
// returns nil.
func (c *Client) ReadMessages(out io.Writer, raw bool) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if raw {
			fmt.Fprintln(out, string(data))
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Fprintf(out, "%s %s\n", color.New(color.FgRed).Sprint("unparseable:"), string(data))
			continue
		}
		printMessage(out, msg)
	}
}

func printMessage(out io.Writer, msg protocol.Message) {
	msgType := msg.Type()
	label := color.New(color.FgCyan)
	switch msgType {
	case protocol.TypeError, protocol.TypeFeatureError, protocol.TypeFeatureKilled:
		label = color.New(color.FgRed)
	case protocol.TypeReplay:
		label = color.New(color.FgYellow)
	case protocol.TypeFeatureFinished, protocol.TypeFeatureRunCompleted:
		label = color.New(color.FgGreen)
	}

	fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05"), label.Sprint(msgType))
	if msgType == protocol.TypeReplay {
		messages, _ := msg["messages"].([]interface{})
		runID, _ := msg.Int("run_id")
		fmt.Fprintf(out, "    run %d: %d messages\n", runID, len(messages))
		for _, m := range messages {
			if inner, ok := m.(map[string]interface{}); ok {
				fmt.Fprintf(out, "    - %s\n", protocol.Message(inner).Type())
			}
		}
		return
	}

	keys := make([]string, 0, len(msg))
	for k := range msg {
		if k != "type" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(msg[k])
		fmt.Fprintf(out, "    %s: %s\n", k, v)
	}
}
