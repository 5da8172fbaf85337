package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/netdiag/internal/history"
	"github.com/m-lab/netdiag/internal/persistence"
	"github.com/m-lab/netdiag/pkg/client"
	"github.com/m-lab/netdiag/pkg/speedtest/model"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
	"github.com/m-lab/netdiag/pkg/version"
)

const (
	clientName = "netdiag-client"
	datatype   = "netdiag"
)

var (
	flagServer   = flag.String("server", "localhost:8080", "Server address or base URL")
	flagScheme   = flag.String("scheme", "http", "Scheme used when -server has none (http or https)")
	flagNoVerify = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagTimeout  = flag.Duration("timeout", 5*time.Minute, "Maximum duration of each test phase (0 disables it)")
	flagDebug    = flag.Bool("debug", false, "Print debug output")
	flagOutput   = flag.String("output", "", "Directory to write measurement results to")
	flagHistory  = flag.String("history.db", "", "Path to a SQLite database recording past results")
	flagShow     = flag.Int("history.show", 0, "Print the N most recent results from -history.db and exit")
	flagToken    = flag.String("token", "", "Access token for the server")
	flagMID      = flag.String("mid", "", "Measurement ID (random if empty)")

	flagTest   = flagx.Enum{Options: []string{"speed", "reachability", "ip"}, Value: "speed"}
	flagMode   = flagx.Enum{Options: []string{"full", "download", "upload"}, Value: "full"}
	flagSize   = flagx.Enum{Options: payloadOptions(), Value: "25"}
	flagFormat = flagx.Enum{Options: []string{"human", "json"}, Value: "human"}
)

func init() {
	flag.Var(&flagTest, "test", "Test to run (speed, reachability or ip)")
	flag.Var(&flagMode, "mode", "Speed test mode (full, download or upload)")
	flag.Var(&flagSize, "size", "Speed test payload size in MB")
	flag.Var(&flagFormat, "format", "Output format (human or json)")
}

// payloadOptions returns the selectable payload sizes, in MB.
func payloadOptions() []string {
	var opts []string
	for _, s := range spec.PayloadSizes {
		opts = append(opts, strconv.FormatInt(s/1_000_000, 10))
	}
	return opts
}

func showHistory(ctx context.Context, path string, n int) error {
	db, err := history.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	records, err := db.Recent(ctx, n)
	if err != nil {
		return err
	}
	rate := func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *v)
	}
	fmt.Printf("%-20s %-8s %-6s %-10s %-10s %-10s %s\n",
		"Time", "Mode", "Size", "Ping (ms)", "Down", "Up", "State")
	for _, r := range records {
		fmt.Printf("%-20s %-8s %-6d %-10.1f %-10s %-10s %s\n",
			r.StartTime.Local().Format("2006-01-02 15:04:05"), r.Mode, r.PayloadBytes/1_000_000,
			float64(r.Ping)/float64(time.Millisecond), rate(r.DownloadMbps), rate(r.UploadMbps), r.State)
	}
	return nil
}

// archive writes the summary wherever the flags say.
func archive(ctx context.Context, s *model.Summary) {
	if *flagOutput != "" {
		df, err := persistence.WriteDataFile(*flagOutput, datatype, string(s.Plan.Mode),
			s.MeasurementID, s)
		if err != nil {
			log.Error("failed to write result file", "error", err)
		} else {
			log.Debug("result written", "path", df.Path, "size", df.Size)
		}
	}
	if *flagHistory != "" {
		db, err := history.Open(*flagHistory)
		if err != nil {
			log.Error("failed to open history", "error", err)
			return
		}
		defer db.Close()
		if err := db.Save(ctx, s); err != nil {
			log.Error("failed to save result to history", "error", err)
		}
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}
	ctx := context.Background()

	if *flagShow > 0 {
		if *flagHistory == "" {
			log.Fatal("-history.show requires -history.db")
		}
		if err := showHistory(ctx, *flagHistory, *flagShow); err != nil {
			log.Fatal("cannot read history", "error", err)
		}
		return
	}

	var emitter client.Emitter = &client.HumanReadable{Debug: *flagDebug}
	if flagFormat.Value == "json" {
		emitter = &client.JSON{Debug: *flagDebug}
	}

	mid := *flagMID
	if mid == "" {
		mid = uuid.NewString()
	}
	cl, err := client.New(clientName, version.Version, client.Config{
		Server:        *flagServer,
		Scheme:        *flagScheme,
		MeasurementID: mid,
		AccessToken:   *flagToken,
		PhaseTimeout:  *flagTimeout,
		Emitter:       emitter,
		NoVerify:      *flagNoVerify,
	})
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	switch flagTest.Value {
	case "reachability":
		cl.Reachability(ctx)
	case "ip":
		if _, err := cl.IPInfo(ctx); err != nil {
			log.Fatal("IP lookup failed", "error", err)
		}
	default:
		size, _ := strconv.ParseInt(flagSize.Value, 10, 64)
		plan := model.TestPlan{
			Mode:         model.Mode(flagMode.Value),
			PayloadBytes: size * 1_000_000,
		}
		summary, err := cl.SpeedTest(ctx, plan)
		if summary != nil {
			archive(ctx, summary)
		}
		if err != nil {
			os.Exit(1)
		}
	}
}
