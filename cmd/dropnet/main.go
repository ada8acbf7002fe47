package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/internal/core/services"
	"dropnet/internal/infrastructure/repositories/memory"
	"dropnet/internal/infrastructure/webrtc"
	"dropnet/pkg/config"
	"dropnet/pkg/logger"
	"dropnet/pkg/utils"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const usage = `usage:
  dropnet [-config path] receive [-out dir]
  dropnet [-config path] send -to peer-id [-name name] file... (- reads stdin)
`

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator := services.NewTransferOrchestrator(
		func() (ports.Transport, error) {
			return webrtc.NewTransport(webrtc.NewConfig(cfg), webrtc.WithLogger(log)), nil
		},
		memory.NewPeerSessionRegistry,
		services.NewManagerConfig(cfg),
		services.WithOrchestratorLogger(log),
	)
	defer orchestrator.Close()

	events, unsubscribe := orchestrator.Subscribe(cfg.Transfer.EventBuffer)
	defer unsubscribe()

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "receive":
		err = receive(ctx, orchestrator, events, args, log)
	case "send":
		err = send(ctx, orchestrator, events, args, log)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Errorw("dropnet failed", "error", err)
		os.Exit(1)
	}
}

func receive(ctx context.Context, o *services.TransferOrchestrator, events <-chan domain.Event, args []string, log *zap.SugaredLogger) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	out := fs.String("out", ".", "directory for received files")
	fs.Parse(args)

	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}

	id, err := o.Connect(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Your peer id: %s\n", id)
	fmt.Println("Waiting for files, press Ctrl+C to stop.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			report(evt)
			if evt.Kind == domain.EventTransferCompleted && evt.File != nil {
				path, err := saveFile(*out, evt.File)
				if err != nil {
					log.Errorw("failed to save file", "file_name", evt.File.FileName, "error", err)
					continue
				}
				fmt.Printf("Saved %s (%s)\n", path, utils.FormatBytes(int64(len(evt.File.Data))))
			}
		}
	}
}

func send(ctx context.Context, o *services.TransferOrchestrator, events <-chan domain.Event, args []string, log *zap.SugaredLogger) (err error) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "peer id of the receiver")
	name := fs.String("name", "stdin", "file name used when sending stdin (-)")
	fs.Parse(args)

	if *to == "" || fs.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	files, closers, err := openSources(fs.Args(), os.Stdin, *name)
	defer func() {
		for _, c := range closers {
			err = multierr.Append(err, c.Close())
		}
	}()
	if err != nil {
		return err
	}

	go func() {
		for evt := range events {
			report(evt)
		}
	}()

	if _, err := o.Connect(ctx); err != nil {
		return err
	}
	if err := o.ConnectToPeer(ctx, domain.PeerID(*to)); err != nil {
		return err
	}

	start := time.Now()
	ids, err := o.SendFiles(ctx, files, domain.PeerID(*to))
	for _, r := range o.Transfers() {
		log.Debugw("transfer finished", "transfer_id", r.ID, "status", r.Status)
	}
	if err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	fmt.Printf("Sent %d file(s), %s in %s (%s)\n",
		len(ids), utils.FormatBytes(total), utils.FormatDuration(time.Since(start)), utils.FormatRate(total, time.Since(start)))
	return nil
}

func report(evt domain.Event) {
	switch evt.Kind {
	case domain.EventStatusUpdate:
		fmt.Println(evt.Message)
	case domain.EventTransferStarted:
		fmt.Printf("%s %s (%s)\n", directionVerb(evt.Direction), evt.FileName, utils.FormatBytes(evt.FileSize))
	case domain.EventTransferProgress:
		fmt.Printf("\r  %s %s", evt.FileName, utils.FormatPercent(evt.Progress))
	case domain.EventTransferCompleted:
		fmt.Printf("\r  %s done\n", evt.FileName)
	case domain.EventTransferFailed:
		fmt.Printf("\r  %s failed: %v\n", evt.FileName, evt.Err)
	}
}

func directionVerb(d domain.TransferDirection) string {
	if d == domain.TransferInbound {
		return "Receiving"
	}
	return "Sending"
}
