package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/spf13/cobra"
)

var (
	subscribeBalanceCmd = &cobra.Command{
		Use:   "balance <address>",
		Short: "watch the balance of an address",
		Long: "this command subscribes to the balance changes of the given " +
			"address and prints every notification until interrupted",
		Args: cobra.ExactArgs(1),
		RunE: subscribeBalance,
	}
	subscribeBlocksCmd = &cobra.Command{
		Use:   "blocks",
		Short: "watch new blocks",
		Long: "this command subscribes to new blocks and prints every " +
			"notification until interrupted",
		Args: cobra.NoArgs,
		RunE: subscribeBlocks,
	}
	subscribeCmd = &cobra.Command{
		Use:   "subscribe",
		Short: "subscribe to balance changes or new blocks",
	}
)

func init() {
	subscribeCmd.AddCommand(subscribeBalanceCmd, subscribeBlocksCmd)
}

func subscribeBalance(_ *cobra.Command, args []string) error {
	return subscribe(
		"subscribeToAddressBalance", map[string]string{"address": args[0]},
	)
}

func subscribeBlocks(_ *cobra.Command, _ []string) error {
	return subscribe("subscribeToNewBlocks", map[string]string{})
}

func subscribe(method string, params interface{}) error {
	state, err := getState()
	if err != nil {
		return err
	}
	wsConn, err := dialWebsocket(state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := jsonrpc2.NewConn(
		ctx, jsonrpc2ws.NewObjectStream(wsConn), notificationPrinter{},
	)
	defer conn.Close()

	var reply map[string]bool
	if err := conn.Call(ctx, method, params, &reply); err != nil {
		return err
	}
	if !reply["subscribed"] {
		return fmt.Errorf("subscription refused")
	}
	fmt.Fprintln(os.Stderr, "subscribed, waiting for notifications...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-sigChan:
		return nil
	case <-conn.DisconnectNotify():
		return fmt.Errorf("connection closed by connector daemon")
	}
}

// notificationPrinter prints every notification received on stdout.
type notificationPrinter struct{}

func (notificationPrinter) Handle(
	_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request,
) {
	if !req.Notif || req.Params == nil {
		return
	}
	fmt.Println(jsonResponse(json.RawMessage(*req.Params)))
}
