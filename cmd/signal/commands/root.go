package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/braidnetworks/braid/src/net/signal/wamp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	listen   = "127.0.0.1:2443"
	realm    = "main"
	certFile = "cert.pem"
	keyFile  = "key.pem"
	logLevel = "debug"
)

//RootCmd is the root command for the signaling server
var RootCmd = &cobra.Command{
	Use:   "signal",
	Short: "WebRTC signaling server using WebSockets",
	RunE:  runServer,
}

func init() {
	RootCmd.Flags().StringVarP(&listen, "listen", "l", listen, "Listen IP:Port for the signaling server")
	RootCmd.Flags().StringVar(&realm, "realm", realm, "Administrative routing domain")
	RootCmd.Flags().StringVar(&certFile, "cert", certFile, "File containing the TLS certificate")
	RootCmd.Flags().StringVar(&keyFile, "key", keyFile, "File containing the TLS private key")
	RootCmd.Flags().StringVar(&logLevel, "log", logLevel, "debug, info, warn, error, fatal, panic")
}

// runServer starts the WAMP server and waits for a SIGINT or SIGTERM
func runServer(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.Formatter = new(prefixed.TextFormatter)
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		logger.Level = lvl
	}

	server, err := wamp.NewServer(
		listen,
		realm,
		certFile,
		keyFile,
		logger.WithField("prefix", "signal"),
	)
	if err != nil {
		return err
	}

	go server.Run()

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh

	server.Shutdown()

	return nil
}
