// Command xmodemcat sends or receives a single file over a serial port
// using XMODEM. It is a non-interactive demo: every parameter is a flag,
// there is no menu.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relaygo/xmodem"
	"github.com/relaygo/xmodem/transport/serialport"
)

func main() {
	var (
		port   = flag.String("port", "", "serial device, e.g. /dev/ttyUSB0")
		baud   = flag.Int("baud", 115200, "baud rate")
		send   = flag.String("send", "", "path of a file to send")
		recv   = flag.String("recv", "", "path to write a received file to")
		useCRC = flag.Bool("crc", true, "request CRC-16 mode when receiving")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *port == "" || (*send == "") == (*recv == "") {
		fmt.Fprintln(os.Stderr, "usage: xmodemcat -port DEV (-send FILE | -recv FILE)")
		os.Exit(2)
	}

	tp, err := serialport.Open(*port, *baud)
	if err != nil {
		logger.Error("open serial port", "error", err)
		os.Exit(1)
	}
	defer tp.Close()

	cfg := &xmodem.Config{Logger: logger}
	engine := xmodem.NewEngine(tp, cfg)
	tp.Start(engine)

	if *send != "" {
		if err := engine.StartSend(xmodem.FileSource{Path: *send}); err != nil {
			logger.Error("start send", "error", err)
			os.Exit(1)
		}
	} else {
		sink, err := xmodem.NewFileSink(*recv)
		if err != nil {
			logger.Error("open sink", "error", err)
			os.Exit(1)
		}
		if err := engine.StartReceive(*useCRC, sink); err != nil {
			logger.Error("start receive", "error", err)
			os.Exit(1)
		}
	}

	for {
		state := engine.CurrentState()
		if state.Terminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	stats := engine.Stats()
	if err := engine.Err(); err != nil {
		logger.Error("transfer failed", "error", err, "blocks", stats.BlocksTransferred)
		os.Exit(1)
	}
	logger.Info("transfer complete", "bytes", stats.BytesTransferred, "blocks", stats.BlocksTransferred)
}
