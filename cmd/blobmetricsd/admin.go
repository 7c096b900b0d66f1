package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/metricsstore"
	"github.com/dray-io/blobmetrics/internal/server"
)

const adminTimeout = 30 * time.Second

// runAdmin handles admin subcommands. They operate on the configured
// metrics store directly and do not need a running daemon.
func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "list":
		err = runAdminList(args[1:], os.Stdout)
	case "show":
		err = runAdminShow(args[1:], os.Stdout)
	case "init":
		err = runAdminMutation("init", args[1:], os.Stdout, blobmetrics.MetricsStore.InitializeMetrics)
	case "clear-counts":
		err = runAdminMutation("clear-counts", args[1:], os.Stdout, blobmetrics.MetricsStore.ClearCountMetrics)
	case "clear-operations":
		err = runAdminMutation("clear-operations", args[1:], os.Stdout, blobmetrics.MetricsStore.ClearOperationMetrics)
	case "remove":
		err = runAdminMutation("remove", args[1:], os.Stdout, blobmetrics.MetricsStore.Remove)
	case "help", "-h", "--help":
		printAdminUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: blobmetricsd admin <command> [options]

Commands:
  list               List persisted metrics for every blob store
  show               Show metrics for one blob store
  init               Create zeroed metrics for a blob store
  clear-counts       Reset blob count and total size
  clear-operations   Reset upload and download counters
  remove             Delete the metrics of a blob store

Run 'blobmetricsd admin <command> --help' for more information.`)
}

// openAdminStore opens the metrics store named by the config file.
func openAdminStore(configPath string) (blobmetrics.MetricsStore, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return metricsstore.Open(ctx, cfg.Store, metricsstore.Options{Logger: logging.Nop()})
}

func runAdminList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openAdminStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	aggregates, err := store.List(ctx)
	if err != nil {
		return err
	}
	return printAggregates(out, aggregates, *jsonOutput)
}

func runAdminShow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	name := fs.String("name", "", "Blob store name (required)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}

	store, err := openAdminStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	agg, err := store.Get(ctx, *name)
	if err != nil {
		return err
	}
	return printAggregates(out, []blobmetrics.Aggregate{agg}, *jsonOutput)
}

type storeMutation func(blobmetrics.MetricsStore, context.Context, string) error

func runAdminMutation(cmd string, args []string, out io.Writer, mutate storeMutation) error {
	fs := flag.NewFlagSet("admin "+cmd, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	name := fs.String("name", "", "Blob store name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}

	store, err := openAdminStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	if err := mutate(store, ctx, *name); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", cmd, *name)
	return nil
}

func printAggregates(out io.Writer, aggregates []blobmetrics.Aggregate, asJSON bool) error {
	if asJSON {
		views := make([]server.MetricsView, 0, len(aggregates))
		for _, a := range aggregates {
			views = append(views, server.NewMetricsView(a))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	if len(aggregates) == 0 {
		fmt.Fprintln(out, "No blob store metrics found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOB STORE\tBLOBS\tSIZE\tOPERATION\tOK\tERRORS\tBYTES\tTIME (ms)")
	for _, a := range aggregates {
		for _, t := range blobmetrics.OperationTypes {
			m := a.Operation(t)
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%d\t%d\t%d\n",
				a.BlobStoreName, a.BlobCount, a.TotalSize, t,
				m.SuccessfulRequests, m.ErrorRequests, m.BlobSize, m.TimeOnRequests)
		}
	}
	return w.Flush()
}
