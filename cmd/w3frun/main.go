// w3frun drives a single supervised execution of an untrusted web3
// function script and prints the resulting ExecutionReport as JSON.
//
// Build: go build -o w3frun ./cmd/w3frun
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/rpcproxy"
	"github.com/xfeldman/web3runner/internal/runner"
	"github.com/xfeldman/web3runner/internal/userargs"
	buildversion "github.com/xfeldman/web3runner/internal/version"
)

func main() {
	var (
		scriptPath     = flag.String("script", "", "path to the user script (required)")
		guestBinPath   = flag.String("guest", "", "path to the w3fguest binary (required for --runtime=thread)")
		containerImage = flag.String("image", "", "guest container image (required for --runtime=container)")
		runtime        = flag.String("runtime", "thread", "sandbox backend: thread or container")
		version        = flag.String("version", "v2", "result schema version: v1 or v2")
		chainID        = flag.Uint64("chain-id", 1, "chain id for the run")
		taskID         = flag.String("task-id", "", "gelato task id")
		gasPrice       = flag.String("gas-price", "0", "gas price, decimal string")
		schemaPath     = flag.String("schema", "", "path to a JSON userArgs schema file")
		userArgsPath   = flag.String("user-args", "", "path to a JSON userArgs file")
		secretsPath    = flag.String("secrets", "", "path to a JSON secrets file")
		storagePath    = flag.String("storage", "", "path to a JSON pre-run storage file")
		rpcFlag        = flag.String("rpc", "", "comma-separated chainId=url pairs, e.g. 1=https://rpc.example/1")
		memoryMB       = flag.Int64("memory-mb", 256, "memory cap in MB")
		timeoutMS      = flag.Int64("timeout-ms", 30_000, "execution timeout in milliseconds")
		rpcLimit       = flag.Int("rpc-limit", 100, "max RPC calls per run")
		requestLimit   = flag.Int("request-limit", 100, "max HTTP requests per run")
		downloadMB     = flag.Int64("download-mb", 10, "download cap in MB")
		uploadMB       = flag.Int64("upload-mb", 10, "upload cap in MB")
		storageLimitKB = flag.Int64("storage-limit-kb", 1024, "storage size cap in KB")
		blacklist      = flag.String("blacklist", "", "comma-separated blacklisted hosts")
		showLogs       = flag.Bool("show-logs", false, "stream guest logs to stderr")
		printVersion   = flag.Bool("print-version", false, "print w3frun's build version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(buildversion.Version())
		os.Exit(0)
	}

	if *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "usage: w3frun --script FILE [flags]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	opts := model.DefaultRunnerOptions()
	opts.Runtime = model.Runtime(*runtime)
	opts.MemoryBytes = *memoryMB * 1024 * 1024
	opts.TimeoutMS = *timeoutMS
	opts.RPCLimit = *rpcLimit
	opts.RequestLimit = *requestLimit
	opts.DownloadLimit = *downloadMB * 1024 * 1024
	opts.UploadLimit = *uploadMB * 1024 * 1024
	opts.StorageLimitKB = *storageLimitKB
	opts.ShowLogs = *showLogs
	if *blacklist != "" {
		opts.BlacklistedHosts = strings.Split(*blacklist, ",")
	}

	// The schema, secrets, and storage files are independent reads off
	// disk; loading them concurrently mirrors the teacher's habit of
	// fanning out unrelated setup work behind an errgroup rather than a
	// chain of sequential blocking calls. userArgs is loaded afterwards,
	// since it is validated against the schema.
	var g errgroup.Group
	var schema model.UserArgsSchema
	var secrets, storage map[string]string

	g.Go(func() (err error) {
		schema, err = loadSchema(*schemaPath)
		return err
	})
	g.Go(func() (err error) {
		secrets, err = loadStringMap(*secretsPath)
		return err
	})
	g.Go(func() (err error) {
		storage, err = loadStringMap(*storagePath)
		return err
	})
	if err := g.Wait(); err != nil {
		fatalf("load run inputs: %v", err)
	}

	args, err := loadUserArgs(*userArgsPath, schema)
	if err != nil {
		fatalf("load userArgs: %v", err)
	}
	providers, err := parseProviders(*rpcFlag)
	if err != nil {
		fatalf("parse --rpc: %v", err)
	}

	gasPriceBig, ok := new(big.Int).SetString(*gasPrice, 10)
	if !ok {
		fatalf("invalid --gas-price %q", *gasPrice)
	}

	in := runner.RunInput{
		ScriptPath:     *scriptPath,
		GuestBinPath:   *guestBinPath,
		ContainerImage: *containerImage,
		Schema:         schema,
		UserArgs:       args,
		GelatoArgs: model.GelatoArgs{
			ChainID:  *chainID,
			GasPrice: gasPriceBig,
			TaskID:   *taskID,
		},
		Secrets:      secrets,
		Storage:      storage,
		Version:      model.Version(*version),
		RPCProviders: providers,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()
	defer cancel()

	sup := runner.NewSupervisor(opts)
	start := time.Now()
	report, err := sup.Run(ctx, in)
	if err != nil {
		fatalf("run: %v", err)
	}

	fmt.Fprintf(os.Stderr, "w3frun: finished in %s, memory %s, success=%v\n",
		time.Since(start).Round(time.Millisecond),
		humanize.Bytes(uint64(report.Memory*1024*1024)),
		report.Success)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fatalf("encode report: %v", err)
	}

	if !report.Success {
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "w3frun: "+format+"\n", args...)
	os.Exit(1)
}

func loadSchema(path string) (model.UserArgsSchema, error) {
	if path == "" {
		return model.UserArgsSchema{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var schema model.UserArgsSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func loadUserArgs(path string, schema model.UserArgsSchema) (model.UserArgs, error) {
	if path == "" {
		return model.UserArgs{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var args model.UserArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}
	if err := userargs.Validate(schema, args); err != nil {
		return nil, err
	}
	return args, nil
}

func loadStringMap(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseProviders(spec string) (rpcproxy.ProviderConfig, error) {
	providers := rpcproxy.ProviderConfig{}
	if spec == "" {
		return providers, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --rpc entry %q, want chainId=url", pair)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chain id in %q: %w", pair, err)
		}
		providers[id] = parts[1]
	}
	return providers, nil
}
