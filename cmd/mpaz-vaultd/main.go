package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"medscript.dev/mpaz/internal/logging"
	"medscript.dev/mpaz/storage"
	"medscript.dev/mpaz/storage/grpccas"
	"medscript.dev/mpaz/storage/localfs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, errOut io.Writer) int {
	fs := flag.NewFlagSet("mpaz-vaultd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	dir := fs.String("dir", "", "vault directory")
	level := fs.String("log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: mpaz-vaultd --dir <vault> [--listen host:port] [--log-level level]")
		return 2
	}
	log := logging.New(errOut, *level)

	cas, err := localfs.New(*dir)
	if err != nil {
		log.Error().Err(err).Str("dir", *dir).Msg("open vault")
		return 1
	}
	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Error().Err(err).Str("listen", *listen).Msg("listen")
		return 1
	}
	if err := serve(ctx, lis, cas, log); err != nil {
		log.Error().Err(err).Msg("serve")
		return 1
	}
	return 0
}

// serve runs the vault service on lis until ctx is done, then drains
// in-flight calls.
func serve(ctx context.Context, lis net.Listener, cas storage.CAS, log zerolog.Logger) error {
	srv := grpccas.NewGRPCServer(cas, log)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	log.Info().Str("listen", lis.Addr().String()).Msg("mpaz-vaultd listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		srv.GracefulStop()
		return <-errc
	}
}
