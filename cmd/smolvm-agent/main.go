package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/phooq/smolvm/internal/agent"
	"github.com/phooq/smolvm/internal/ociruntime"
	"github.com/phooq/smolvm/internal/storage"
)

// smolvm-agent is the in-guest half of the control protocol. It is the
// first process the hypervisor launcher execs inside the microVM: it
// formats and drives the storage engine and answers every request the
// host's internal/client dials in over the control socket.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	storageRoot := flag.String("storage-root", "/storage", "mount point of the storage disk")
	crunPath := flag.String("crun", "/usr/bin/crun", "path to the crun binary")
	listenPath := flag.String("listen", "/run/smolvm-control.sock", "control socket path (stands in for the vsock listen port in a non-vsock test environment)")
	flag.Parse()

	runtime := ociruntime.New(*crunPath)
	engine := storage.New(*storageRoot, runtime, logger)

	if err := os.RemoveAll(*listenPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", *listenPath)
	if err != nil {
		return err
	}
	defer ln.Close()

	logger.Info("smolvm-agent listening", "socket", *listenPath, "storage_root", *storageRoot)

	a := agent.New(engine, logger)
	return a.Serve(ctx, ln)
}
