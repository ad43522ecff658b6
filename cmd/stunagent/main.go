// Command stunagent runs a BINDING STUN server or performs a one-shot
// BINDING call against one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/stunagent/channel"
	"github.com/netbirdio/stunagent/client"
	"github.com/netbirdio/stunagent/server"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "stunagent",
		Short:         "STUN agent",
		Long:          "Client and server for STUN (RFC 5389) binding transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(level)
			return nil
		},
	}

	serveUDPAddr string
	serveTCPAddr string
	serveCmd     = &cobra.Command{
		Use:   "serve",
		Short: "Run a BINDING server",
		RunE:  runServe,
	}

	bindTimeout time.Duration
	bindTCP     bool
	bindCmd     = &cobra.Command{
		Use:   "bind <server>",
		Short: "Perform a BINDING call and print the reflexive address",
		Args:  cobra.ExactArgs(1),
		RunE:  runBind,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	serveCmd.Flags().StringVar(&serveUDPAddr, "udp", ":3478", "UDP listen address, empty disables UDP")
	serveCmd.Flags().StringVar(&serveTCPAddr, "tcp", "", "TCP listen address, empty disables TCP")
	bindCmd.Flags().DurationVar(&bindTimeout, "timeout", 40*time.Second, "overall transaction timeout")
	bindCmd.Flags().BoolVar(&bindTCP, "tcp", false, "use TCP instead of UDP")
	rootCmd.AddCommand(serveCmd, bindCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func waitForExitSignal() {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	<-osSigs
}

func runServe(cmd *cobra.Command, args []string) error {
	handler := server.BindingHandler{Software: "stunagent"}

	var servers []*server.Server
	if serveUDPAddr != "" {
		srv, err := server.ListenUDP(serveUDPAddr, handler, server.Config{}, channel.Config{})
		if err != nil {
			return err
		}
		servers = append(servers, srv)
	}
	if serveTCPAddr != "" {
		srv, err := server.ListenTCP(serveTCPAddr, handler, server.Config{}, channel.Config{})
		if err != nil {
			return err
		}
		servers = append(servers, srv)
	}
	if len(servers) == 0 {
		return fmt.Errorf("nothing to serve: both --udp and --tcp are empty")
	}

	for _, srv := range servers {
		go func(srv *server.Server) {
			if err := srv.Serve(); err != nil && err != server.ErrServerClosed {
				log.Errorf("server on %s failed: %v", srv.LocalAddr(), err)
			}
		}(srv)
	}

	waitForExitSignal()

	var merr *multierror.Error
	for _, srv := range servers {
		if err := srv.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func runBind(cmd *cobra.Command, args []string) error {
	var (
		c   *client.Client
		err error
	)
	if bindTCP {
		c, err = client.DialTCP(args[0], channel.Config{})
	} else {
		c, err = client.DialUDP(args[0], channel.Config{})
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warnf("close client: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), bindTimeout)
	defer cancel()

	reflexive, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	fmt.Println(reflexive.String())
	return nil
}
