package main

import (
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pingcap-incubator/tinytxn"
	"github.com/pingcap-incubator/tinytxn/config"
)

var (
	configPath string
	dbPath     string
	logFile    string
	statusAddr string

	opts benchOptions
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tinytxn-bench",
		Short: "tinytxn stress and benchmark tool",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "engine directory, overrides the config; empty runs in memory")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "rotated log file, overrides the config; empty logs to stderr")
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status-addr", "", "pprof and prometheus listen address, empty disables")
	rootCmd.PersistentFlags().IntVar(&opts.threads, "threads", 16, "concurrent worker goroutines")
	rootCmd.PersistentFlags().IntVar(&opts.keys, "keys", 100000, "size of the keyspace")
	rootCmd.PersistentFlags().IntVar(&opts.valueSize, "value-size", 128, "value size in bytes")
	rootCmd.PersistentFlags().IntVar(&opts.rate, "rate", 0, "operations per second across all workers, 0 is unlimited")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a read/write mix against a loaded keyspace",
		RunE:  runBench,
	}
	runCmd.Flags().IntVar(&opts.readPercent, "read-percent", 75, "share of read-only transactions, the rest are read-modify-write")
	runCmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	runCmd.Flags().DurationVar(&opts.reportEvery, "interval", 10*time.Second, "progress report cadence")

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "populate the keyspace",
		RunE:  runLoad,
	}
	loadCmd.Flags().IntVar(&opts.batchSize, "batch", 128, "writes per load transaction")

	rootCmd.AddCommand(runCmd, loadCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB() (*tinytxn.DB, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		conf.Engine.DBPath = dbPath
	}
	if logFile != "" {
		conf.LogFile = logFile
	}
	if conf.MaxProcs > 0 {
		runtime.GOMAXPROCS(conf.MaxProcs)
	}
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	if conf.LogFile != "" {
		log.SetHighlighting(false)
		log.SetOutput(&lumberjack.Logger{
			Filename:   conf.LogFile,
			MaxSize:    300, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	if statusAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Infof("status server listening on %s", statusAddr)
			if err := http.ListenAndServe(statusAddr, nil); err != nil {
				log.Errorf("status server: %v", err)
			}
		}()
	}
	return tinytxn.Open(conf)
}

// watchSignals closes done on the first SIGINT or SIGTERM so workers can
// drain and the engine closes cleanly.
func watchSignals(done chan<- struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("got signal %v, stopping", sig)
		close(done)
	}()
}
