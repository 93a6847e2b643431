package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dray-io/heapd/internal/admin"
	"github.com/dray-io/heapd/internal/eviction"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectmanager"
)

const defaultAdminAddr = "localhost:7070"

// adminClient talks to the admin API of a running node.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(addr string, timeout time.Duration) *adminClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &adminClient{
		baseURL: strings.TrimRight(base, "/") + "/api/v1",
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is the body the node returns for every failed request.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("node returned %d: %s", e.Status, e.Message)
}

func (c *adminClient) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *adminClient) getJSON(ctx context.Context, method, path string, query url.Values, out any) (int, error) {
	resp, err := c.do(ctx, method, path, query)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func (c *adminClient) Roots(ctx context.Context) (map[string]object.ID, error) {
	var roots map[string]object.ID
	_, err := c.getJSON(ctx, http.MethodGet, "/roots", nil, &roots)
	return roots, err
}

func (c *adminClient) Stats(ctx context.Context) (admin.StatsResponse, error) {
	var stats admin.StatsResponse
	_, err := c.getJSON(ctx, http.MethodGet, "/objects/stats", nil, &stats)
	return stats, err
}

// Collect runs a cycle inline when wait is set. Otherwise it queues one and
// the returned stats are nil.
func (c *adminClient) Collect(ctx context.Context, kind string, wait bool) (*objectmanager.GCStats, error) {
	q := url.Values{"kind": {kind}}
	if !wait {
		var resp admin.TriggerResponse
		_, err := c.getJSON(ctx, http.MethodPost, "/gc", q, &resp)
		return nil, err
	}
	q.Set("wait", "true")
	var stats objectmanager.GCStats
	if _, err := c.getJSON(ctx, http.MethodPost, "/gc", q, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *adminClient) History(ctx context.Context) ([]objectmanager.GCStats, error) {
	var history []objectmanager.GCStats
	_, err := c.getJSON(ctx, http.MethodGet, "/gc/history", nil, &history)
	return history, err
}

// HistoryParquet copies the parquet export of the history into w.
func (c *adminClient) HistoryParquet(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/gc/history", url.Values{"format": {"parquet"}})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *adminClient) Evict(ctx context.Context, id object.ID) (eviction.Result, error) {
	var res eviction.Result
	_, err := c.getJSON(ctx, http.MethodPost, fmt.Sprintf("/maps/%d/evict", uint64(id)), nil, &res)
	return res, err
}

func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error
	switch subcommand {
	case "gc":
		err = runAdminGC(args[1:], os.Stdout)
	case "gc-history":
		err = runAdminHistory(args[1:], os.Stdout)
	case "roots":
		err = runAdminRoots(args[1:], os.Stdout)
	case "stats":
		err = runAdminStats(args[1:], os.Stdout)
	case "evict":
		err = runAdminEvict(args[1:], os.Stdout)
	case "help", "-h", "--help":
		printAdminUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: heapd admin <command> [options]

Admin commands against a running heapd node.

Commands:
  gc          Run or queue a collection cycle
  gc-history  Show recent collection cycles, or export them as parquet
  roots       List named roots
  stats       Show object counts by class
  evict       Evict entries from one map now

Run 'heapd admin <command> --help' for more information on a command.`)
}

// adminFlags registers the flags every admin command shares.
func adminFlags(name, usage string) (*flag.FlagSet, *string, *bool, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	addr := fs.String("addr", defaultAdminAddr, "Admin API address of the node")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	fs.Usage = func() {
		fmt.Println(usage)
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}
	return fs, addr, jsonOutput, timeout
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func runAdminGC(args []string, out io.Writer) error {
	fs, addr, jsonOutput, timeout := adminFlags("gc", `Usage: heapd admin gc [options]

Run a collection cycle. Without --wait the cycle is queued on the node's
scheduler and the command returns at once.`)
	kind := fs.String("kind", objectmanager.KindFull, "Cycle kind: full or young")
	wait := fs.Bool("wait", false, "Run the cycle inline and print its statistics")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	stats, err := newAdminClient(*addr, *timeout).Collect(ctx, *kind, *wait)
	if err != nil {
		return err
	}
	if stats == nil {
		fmt.Fprintf(out, "Queued %s collection.\n", *kind)
		return nil
	}
	if *jsonOutput {
		return writeJSON(out, stats)
	}
	fmt.Fprintf(out, "Collection %d (%s) finished in %s\n", stats.Iteration, stats.Kind, stats.ElapsedTime)
	fmt.Fprintf(out, "  Objects at start:  %d\n", stats.BeginObjectCount)
	fmt.Fprintf(out, "  Candidates:        %d\n", stats.CandidateGarbageCount)
	fmt.Fprintf(out, "  Collected:         %d\n", stats.ActualGarbageCount)
	fmt.Fprintf(out, "  Rescued:           %d\n", stats.RescuedCount)
	return nil
}

func runAdminHistory(args []string, out io.Writer) error {
	fs, addr, jsonOutput, timeout := adminFlags("gc-history", `Usage: heapd admin gc-history [options]

Show the node's recent collection cycles. With --out the history is written
as a parquet file instead.`)
	outPath := fs.String("out", "", "Write the history as parquet to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := newAdminClient(*addr, *timeout)

	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		n, err := client.HistoryParquet(ctx, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d bytes to %s\n", n, *outPath)
		return nil
	}

	history, err := client.History(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(out, history)
	}
	if len(history) == 0 {
		fmt.Fprintln(out, "No collections recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITERATION\tKIND\tSTARTED\tELAPSED\tOBJECTS\tCANDIDATES\tCOLLECTED\tRESCUED")
	for _, s := range history {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Iteration, s.Kind, s.StartTime.Format(time.RFC3339), s.ElapsedTime,
			s.BeginObjectCount, s.CandidateGarbageCount, s.ActualGarbageCount, s.RescuedCount)
	}
	return w.Flush()
}

func runAdminRoots(args []string, out io.Writer) error {
	fs, addr, jsonOutput, timeout := adminFlags("roots", `Usage: heapd admin roots [options]

List the node's named roots.`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	roots, err := newAdminClient(*addr, *timeout).Roots(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(out, roots)
	}
	if len(roots) == 0 {
		fmt.Fprintln(out, "No roots found.")
		return nil
	}
	names := make([]string, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tOBJECT")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, roots[name])
	}
	return w.Flush()
}

func runAdminStats(args []string, out io.Writer) error {
	fs, addr, jsonOutput, timeout := adminFlags("stats", `Usage: heapd admin stats [options]

Show the node's object counts.`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	stats, err := newAdminClient(*addr, *timeout).Stats(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(out, stats)
	}
	fmt.Fprintf(out, "Live:         %d\n", stats.Live)
	fmt.Fprintf(out, "Resident:     %d\n", stats.Resident)
	fmt.Fprintf(out, "Checked out:  %d\n", stats.CheckedOut)
	fmt.Fprintf(out, "Pending:      %d\n", stats.Pending)
	if len(stats.Classes) == 0 {
		return nil
	}

	classes := make([]string, 0, len(stats.Classes))
	for class := range stats.Classes {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tINSTANCES")
	for _, class := range classes {
		fmt.Fprintf(w, "%s\t%d\n", class, stats.Classes[class])
	}
	return w.Flush()
}

func runAdminEvict(args []string, out io.Writer) error {
	fs, addr, jsonOutput, timeout := adminFlags("evict", `Usage: heapd admin evict --map <id> [options]

Run eviction on one map now.`)
	mapID := fs.String("map", "", "Object ID of the map (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *mapID == "" {
		fs.Usage()
		return errors.New("--map is required")
	}
	id, err := object.ParseID(*mapID)
	if err != nil {
		return fmt.Errorf("invalid map id %q: %w", *mapID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := newAdminClient(*addr, *timeout).Evict(ctx, id)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(out, res)
	}
	if res.Reason == "" {
		fmt.Fprintf(out, "Map %s needs no eviction (%d entries).\n", res.MapID, res.SizeAfter)
		return nil
	}
	fmt.Fprintf(out, "Evicted %d of %d entries from map %s (%s); %d remain.\n",
		res.Evicted, res.SizeBefore, res.MapID, res.Reason, res.SizeAfter)
	return nil
}
