// Command chimp-work publishes test jobs to a CHiMP job queue and prints the
// replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/drblury/chimpflow/internal/runtime/ids"
	"github.com/drblury/chimpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chimpflow/internal/runtime/logging"
	"github.com/drblury/chimpflow/internal/runtime/protocol"
	"github.com/drblury/chimpflow/internal/runtime/workqueue"
)

const defaultDownloadURL = "http://s3:4566/xchemlab-targeting/01234567-89ab-cdef-0123-456789abcdef/42"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("chimp-work", flag.ContinueOnError)
	downloadURL := fs.String("download-url", defaultDownloadURL, "image URL sent with every job")
	plateFlag := fs.String("plate", "", "plate id sent with every job (random when empty)")
	logLevel := fs.String("log-level", "info", "log level")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: chimp-work [flags] rabbitmq_url rabbitmq_channel jobs")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return 2
	}
	jobs, err := strconv.Atoi(fs.Arg(2))
	if err != nil || jobs < 0 {
		fmt.Fprintf(os.Stderr, "jobs must be a non-negative integer: %q\n", fs.Arg(2))
		return 2
	}
	plate, err := parsePlate(*plateFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := logging.NewJSONServiceLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := workqueue.New(ctx, workqueue.Config{
		URL:              fs.Arg(0),
		JobQueue:         fs.Arg(1),
		ReplyQueuePrefix: "chimp_work",
		ConsumerTag:      "work",
	}, logger)
	if err != nil {
		logger.Error("Failed to connect", err, nil)
		return 1
	}
	defer client.Close()
	fmt.Printf("Reply on: %s\n", client.ReplyQueue())

	for _, req := range buildRequests(jobs, plate, *downloadURL) {
		line, _ := jsoncodec.Marshal(req)
		fmt.Printf("Sending Job: %s\n", line)
		if err := client.Publish(ctx, req); err != nil {
			logger.Error("Failed to publish job", err, logging.LogFields{"job_id": req.ID})
			return 1
		}
	}

	for received := 0; received < jobs; {
		result, err := client.NextResult(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 1
			}
			if errors.Is(err, protocol.ErrMalformedResult) {
				fmt.Printf("Malformed reply: %v\n", err)
				received++
				continue
			}
			logger.Error("Reply stream failed", err, nil)
			return 1
		}
		received++
		line, _ := protocol.EncodeResult(result)
		fmt.Printf("Got Response: %s\n", line)
	}
	return 0
}

func parsePlate(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	plate, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid plate %q: %w", raw, err)
	}
	return plate, nil
}

// buildRequests numbers wells from 1.
func buildRequests(n int, plate uuid.UUID, downloadURL string) []protocol.Request {
	reqs := make([]protocol.Request, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, protocol.Request{
			ID:          ids.CreateULID(),
			Plate:       plate,
			Well:        int32(i + 1),
			DownloadURL: downloadURL,
		})
	}
	return reqs
}
