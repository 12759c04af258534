// Command wiremux-demo runs one endpoint of a wiremux session over
// TCP: it handshakes, opens a channel on a shared key, and echoes
// messages. Run one process with --listen and one with --connect,
// giving both the same --key.
package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/wiremux"
)

const messageTypeText = 2

var (
	listenAddr  string
	connectAddr string
	keyHex      string
	sendText    string
	verbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "wiremux-demo",
		Short: "Echo demo for the wiremux channel protocol",
		RunE:  run,
	}
	root.Flags().StringVar(&listenAddr, "listen", "", "listen address (responder)")
	root.Flags().StringVar(&connectAddr, "connect", "", "connect address (initiator)")
	root.Flags().StringVar(&keyHex, "key", "", "shared 32-byte channel key, hex encoded")
	root.Flags().StringVar(&sendText, "send", "hello over wiremux", "message the initiator sends")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("--key must be 64 hex characters")
	}

	switch {
	case listenAddr != "":
		return runResponder(key)
	case connectAddr != "":
		return runInitiator(key)
	default:
		return fmt.Errorf("one of --listen or --connect is required")
	}
}

func runResponder(key []byte) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	logrus.WithField("addr", listener.Addr().String()).Info("waiting for peer")

	conn, err := listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	protocol := wiremux.Responder().BuildFromStream(conn)
	return drive(protocol, key, false)
}

func runInitiator(key []byte) error {
	conn, err := net.DialTimeout("tcp", connectAddr, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	protocol := wiremux.Initiator().BuildFromStream(conn)
	return drive(protocol, key, true)
}

// drive runs the event loop for one side. The initiator sends a text
// message and waits for the echo; the responder echoes what it reads.
func drive(protocol *wiremux.Protocol, key []byte, initiator bool) error {
	if err := protocol.Open(key); err != nil {
		return err
	}
	for {
		event, err := protocol.Next()
		if err != nil {
			return err
		}
		switch ev := event.(type) {
		case wiremux.HandshakeEvent:
			logrus.WithField("remote_key", hex.EncodeToString(ev.RemotePublicKey)).Info("peer authenticated")

		case wiremux.DiscoveryKeyEvent:
			logrus.WithField("discovery_key", hex.EncodeToString(ev.DiscoveryKey)).Info("peer announced channel")

		case wiremux.ChannelEvent:
			logrus.WithField("discovery_key", hex.EncodeToString(ev.Channel.DiscoveryKey())).Info("channel open")
			if initiator {
				go initiatorSide(ev.Channel)
			} else {
				go responderSide(ev.Channel)
			}
		}
	}
}

func initiatorSide(channel *wiremux.Channel) {
	msg := wiremux.Message{Type: messageTypeText, Payload: []byte(sendText)}
	if err := channel.Send(msg); err != nil {
		logrus.WithError(err).Error("send failed")
		return
	}
	for reply := range channel.Messages() {
		fmt.Printf("echo: %s\n", reply.Payload)
		channel.Close()
		return
	}
}

func responderSide(channel *wiremux.Channel) {
	for msg := range channel.Messages() {
		fmt.Printf("received: %s\n", msg.Payload)
		if err := channel.Send(msg); err != nil {
			logrus.WithError(err).Error("echo failed")
			return
		}
	}
}
