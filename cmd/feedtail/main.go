// feedtail subscribes to a running swapfeed instance over websocket and
// prints every push for the given tokens as JSON lines. Useful for eyeballing
// the stream without a browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/stream"
	"github.com/you/swapfeed/internal/token"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "stream endpoint")
	chainID := flag.Int64("chain", 1, "chain id")
	tokens := flag.String("tokens", "", "comma-separated token addresses")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	addrs := strings.Split(*tokens, ",")
	if *tokens == "" || len(addrs) == 0 {
		fmt.Fprintln(os.Stderr, "at least one -tokens address is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	m := stream.NewManager(stream.ManagerOptions{
		URL:         *url,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		MaxAttempts: 10,
		Grace:       time.Minute,
	}, logger)

	enc := json.NewEncoder(os.Stdout)
	for _, addr := range addrs {
		k, err := token.NewKey(*chainID, strings.TrimSpace(addr))
		if err != nil {
			logger.Fatal("bad token address", zap.String("address", addr), zap.Error(err))
		}
		m.Subscribe(k, func(msg stream.ServerMessage) {
			_ = enc.Encode(msg)
		})
	}

	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("stream ended", zap.Error(err))
	}
}
