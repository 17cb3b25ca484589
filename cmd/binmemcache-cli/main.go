package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pior/binmemcache"
	"github.com/pior/binmemcache/prom"
)

func main() {
	var (
		servers   = flag.String("servers", "localhost:11211", "Comma-separated list of memcache servers")
		standbys  = flag.String("failover", "", "Comma-separated list of standby servers")
		timeout   = flag.Duration("timeout", time.Second, "Per-attempt timeout")
		puddle    = flag.Bool("puddle", false, "Use exclusive puddle connections")
		noQuiet   = flag.Bool("no-quiet", false, "Disable quiet opcodes for multi-key commands")
		metrics   = flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9150")
		verbosity = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbosity {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config := binmemcache.Config{
		Timeout:      *timeout,
		DisableQuiet: *noQuiet,
		Logger:       logger,
	}
	if *standbys != "" {
		config.FailoverServers = strings.Split(*standbys, ",")
	}
	if *puddle {
		config.NewPool = binmemcache.NewPuddlePool
	}

	client, err := binmemcache.NewClient(strings.Split(*servers, ","), config)
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if *metrics != "" {
		serveMetrics(client, *metrics, logger)
	}

	fmt.Println("Memcache CLI Tool")
	fmt.Println("================")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		command := strings.ToLower(parts[0])
		if command == "quit" || command == "exit" {
			fmt.Println("Goodbye!")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		run(ctx, client, command, parts[1:])
		cancel()
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
	}
}

func serveMetrics(client *binmemcache.Client, addr string, logger *slog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prom.NewCollector(client, ""))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
}

func run(ctx context.Context, client *binmemcache.Client, command string, args []string) {
	start := time.Now()
	took := func() time.Duration { return time.Since(start).Round(time.Microsecond) }

	switch command {
	case "get":
		if len(args) == 0 {
			fmt.Println("Usage: get <key> [key...]")
			return
		}
		values, err := client.GetK(ctx, args...)
		if err != nil {
			fmt.Printf("Error: %v (took %v)\n", err, took())
			return
		}
		for _, key := range args {
			if v, ok := values[key]; ok {
				fmt.Printf("  %s: %v\n", key, v)
			} else {
				fmt.Printf("  %s: <not found>\n", key)
			}
		}
		fmt.Printf("Retrieved %d out of %d keys (took %v)\n", len(values), len(args), took())

	case "gets":
		if len(args) == 0 {
			fmt.Println("Usage: gets <key> [key...]")
			return
		}
		values, err := client.GetsV(ctx, args...)
		if err != nil {
			fmt.Printf("Error: %v (took %v)\n", err, took())
			return
		}
		for _, key := range args {
			if v, ok := values[key]; ok {
				fmt.Printf("  %s: %v (cas %d)\n", key, v.Value, v.CAS)
			} else {
				fmt.Printf("  %s: <not found>\n", key)
			}
		}

	case "set", "add", "replace":
		if len(args) < 2 || len(args) > 3 {
			fmt.Printf("Usage: %s <key> <value> [ttl_seconds]\n", command)
			return
		}
		ttl, ok := parseTTL(args, 2)
		if !ok {
			return
		}
		store := map[string]func(context.Context, string, any, time.Duration) (bool, error){
			"set":     client.Set,
			"add":     client.Add,
			"replace": client.Replace,
		}[command]
		report(store(ctx, args[0], args[1], ttl))
		fmt.Printf("(took %v)\n", took())

	case "cas":
		if len(args) < 3 || len(args) > 4 {
			fmt.Println("Usage: cas <key> <value> <cas> [ttl_seconds]")
			return
		}
		cas, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			fmt.Printf("Invalid CAS: %v\n", err)
			return
		}
		ttl, ok := parseTTL(args, 3)
		if !ok {
			return
		}
		report(client.CAS(ctx, args[0], args[1], cas, ttl))

	case "append", "prepend":
		if len(args) != 2 {
			fmt.Printf("Usage: %s <key> <data>\n", command)
			return
		}
		if command == "append" {
			report(client.Append(ctx, args[0], args[1]))
		} else {
			report(client.Prepend(ctx, args[0], args[1]))
		}

	case "delete", "del":
		if len(args) == 0 {
			fmt.Println("Usage: delete <key> [key...]")
			return
		}
		report(client.DeleteMulti(ctx, args))

	case "touch":
		if len(args) != 2 {
			fmt.Println("Usage: touch <key> <ttl_seconds>")
			return
		}
		ttl, ok := parseTTL(args, 1)
		if !ok {
			return
		}
		report(client.Touch(ctx, args[0], ttl))

	case "incr", "decr":
		if len(args) < 1 || len(args) > 2 {
			fmt.Printf("Usage: %s <key> [delta]\n", command)
			return
		}
		delta := uint64(1)
		if len(args) == 2 {
			var err error
			if delta, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				fmt.Printf("Invalid delta: %v\n", err)
				return
			}
		}
		count := client.Incr
		if command == "decr" {
			count = client.Decr
		}
		value, _, err := count(ctx, args[0], 0, delta, binmemcache.NoExpiry)
		if err != nil {
			fmt.Printf("Error: %v (took %v)\n", err, took())
			return
		}
		fmt.Printf("Value: %d (took %v)\n", value, took())

	case "flush":
		if err := client.Flush(ctx, 0); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Flushed")

	case "version":
		versions, err := client.Version(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		for _, host := range sortedKeys(versions) {
			fmt.Printf("  %s: %s\n", host, versions[host])
		}

	case "stat":
		group := ""
		if len(args) > 0 {
			group = args[0]
		}
		stats, err := client.Stat(ctx, group)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		for _, host := range sortedKeys(stats) {
			fmt.Printf("%s:\n", host)
			for _, name := range sortedKeys(stats[host]) {
				fmt.Printf("  %s: %s\n", name, stats[host][name])
			}
		}

	case "stats":
		printStats(client)

	case "ping":
		ok, err := client.Noop(ctx)
		if err != nil || !ok {
			fmt.Printf("Ping failed: %v (took %v)\n", err, took())
			return
		}
		fmt.Printf("Ping successful (took %v)\n", took())

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  get <key> [key...]             - Get values")
		fmt.Println("  gets <key> [key...]            - Get values with CAS")
		fmt.Println("  set|add|replace <key> <value> [ttl]")
		fmt.Println("  cas <key> <value> <cas> [ttl]  - Store if CAS matches")
		fmt.Println("  append|prepend <key> <data>    - Concatenate raw data")
		fmt.Println("  delete <key> [key...]          - Delete keys")
		fmt.Println("  touch <key> <ttl>              - Update a TTL")
		fmt.Println("  incr|decr <key> [delta]        - Counters")
		fmt.Println("  flush                          - Invalidate every item")
		fmt.Println("  version                        - Server versions")
		fmt.Println("  stat [group]                   - Server statistics")
		fmt.Println("  stats                          - Client and pool statistics")
		fmt.Println("  ping                           - Noop every server")
		fmt.Println("  quit                           - Exit the CLI")

	default:
		fmt.Printf("Unknown command: %s. Type 'help' for available commands.\n", command)
	}
}

func parseTTL(args []string, i int) (time.Duration, bool) {
	if len(args) <= i {
		return 0, true
	}
	secs, err := strconv.Atoi(args[i])
	if err != nil {
		fmt.Printf("Invalid TTL: %v\n", err)
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func report(ok bool, err error) {
	switch {
	case err != nil:
		fmt.Printf("Error: %v\n", err)
	case ok:
		fmt.Println("OK")
	default:
		fmt.Println("Not applied")
	}
}

func printStats(client *binmemcache.Client) {
	s := client.Stats()
	fmt.Printf("Queries: %d  Attempts: %d  Retries: %d  Errors: %d  Failovers: %d\n",
		s.Queries, s.Attempts, s.Retries, s.Errors, s.Failovers)
	fmt.Printf("Hits: %d  Misses: %d  Conflicts: %d\n", s.Hits, s.Misses, s.Conflicts)
	fmt.Println()

	for _, srv := range client.ServerStats() {
		fmt.Printf("Server %s (active=%t failed=%t failures=%d):\n", srv.Hostname, srv.Active, srv.Failed, srv.Failures)
		fmt.Printf("  Connections: %d total, %d idle, %d active\n", srv.Pool.TotalConns, srv.Pool.IdleConns, srv.Pool.ActiveConns)
		fmt.Printf("  Created: %d  Destroyed: %d  Acquires: %d  Acquire errors: %d\n",
			srv.Pool.CreatedConns, srv.Pool.DestroyedConns, srv.Pool.AcquireCount, srv.Pool.AcquireErrors)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
