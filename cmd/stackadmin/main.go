package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	persistlog "voxelstack.ai/internal/persistence/log"
	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/stack/model"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "regions":
			regionsCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "reload":
			reloadCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("stackadmin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "regions"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

func worldDirFlag(fs *flag.FlagSet) func() string {
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "world_1", "world id")
	return func() string {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world")
			os.Exit(2)
		}
		return filepath.Join(*dataDir, "regions", *worldID)
	}
}

type regionSummary struct {
	World    string `json:"world"`
	CX       int    `json:"cx"`
	CZ       int    `json:"cz"`
	Tick     uint64 `json:"tick"`
	Stacks   int    `json:"stacks"`
	Members  int    `json:"members"`
	Spawners int    `json:"spawners"`
	Skipped  int    `json:"skipped,omitempty"`
}

type stackSummary struct {
	Host    string         `json:"host"`
	Kind    string         `json:"kind"`
	Subtype string         `json:"subtype"`
	Seq     uint64         `json:"seq"`
	Size    int            `json:"size"`
	Loc     model.Location `json:"loc"`
}

// regionsCmd lists saved region tables, or dumps one with -cx/-cz.
func regionsCmd(args []string) {
	fs := flag.NewFlagSet("regions", flag.ExitOnError)
	worldDir := worldDirFlag(fs)
	file := fs.String("file", "", "read a single region file instead of the store")
	cx := fs.Int("cx", 0, "region x (with -detail)")
	cz := fs.Int("cz", 0, "region z (with -detail)")
	detail := fs.Bool("detail", false, "print the stacks of region -cx,-cz")
	_ = fs.Parse(args)

	if p := strings.TrimSpace(*file); p != "" {
		r, skipped, err := regionstore.ReadRegion(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read region:", err)
			os.Exit(1)
		}
		printRegion(r, skipped, true)
		return
	}

	store, err := regionstore.Open(worldDir(), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer store.Close()

	keys := store.Regions()
	if *detail {
		var found []model.RegionKey
		for _, k := range keys {
			if k.CX == *cx && k.CZ == *cz {
				found = append(found, k)
			}
		}
		keys = found
	}
	for _, k := range keys {
		r, skipped, ok, err := store.Peek(k)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", k, err)
			continue
		}
		if !ok {
			continue
		}
		printRegion(r, skipped, *detail)
	}
}

func printRegion(r regionstore.RegionV1, skipped []error, detail bool) {
	sum := regionSummary{
		World:    r.Header.World,
		CX:       r.Header.CX,
		CZ:       r.Header.CZ,
		Tick:     r.Header.Tick,
		Stacks:   len(r.Stacks),
		Spawners: len(r.Spawners),
		Skipped:  len(skipped),
	}
	for _, s := range r.Stacks {
		sum.Members += len(s.Members)
	}
	printJSON(sum)
	if !detail {
		return
	}
	for _, s := range r.Stacks {
		printJSON(stackSummary{
			Host:    s.Host,
			Kind:    model.Kind(s.Kind).String(),
			Subtype: s.Subtype,
			Seq:     s.Seq,
			Size:    1 + len(s.Members),
			Loc:     s.HostLoc,
		})
	}
	for _, sp := range r.Spawners {
		printJSON(sp)
	}
	for _, err := range skipped {
		fmt.Fprintln(os.Stderr, "skipped:", err)
	}
}

// eventsCmd replays the event log, optionally filtered.
func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	worldDir := worldDirFlag(fs)
	event := fs.String("event", "", "event name filter (e.g. MERGED)")
	kind := fs.String("kind", "", "stack kind filter (e.g. ENTITY)")
	host := fs.String("host", "", "host id filter")
	since := fs.Uint64("since_cursor", 0, "only events after this cursor")
	summary := fs.Bool("summary", false, "print counts per event instead of lines")
	_ = fs.Parse(args)

	files, err := persistlog.EventFiles(worldDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	wantEvent := strings.ToUpper(strings.TrimSpace(*event))
	wantKind := strings.ToUpper(strings.TrimSpace(*kind))
	counts := map[string]int{}
	for _, path := range files {
		err := persistlog.ReadEvents(path, func(ev protocol.StackEventMsg) error {
			if ev.Cursor <= *since {
				return nil
			}
			if wantEvent != "" && ev.Event != wantEvent {
				return nil
			}
			if wantKind != "" && ev.Kind != wantKind {
				return nil
			}
			if *host != "" && ev.Host != *host && ev.PrevHost != *host {
				return nil
			}
			if *summary {
				counts[ev.Event]++
				return nil
			}
			printJSON(ev)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
		}
	}
	if *summary {
		names := make([]string, 0, len(counts))
		for k := range counts {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Printf("%s\t%d\n", k, counts[k])
		}
	}
}

// auditCmd prints operator actions recorded by stackd's admin endpoints.
func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	worldDir := worldDirFlag(fs)
	op := fs.String("op", "", "op filter (e.g. SPLIT_ALL)")
	failed := fs.Bool("failed", false, "only entries that returned an error")
	_ = fs.Parse(args)

	recs, err := readAudit(worldDir(), strings.ToUpper(strings.TrimSpace(*op)), *failed)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	for _, r := range recs {
		printJSON(r)
	}
}

func readAudit(worldDir, op string, failedOnly bool) ([]persistlog.AuditEntry, error) {
	dir := filepath.Join(worldDir, "audit")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []persistlog.AuditEntry
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			var e persistlog.AuditEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				dec.Close()
				_ = f.Close()
				return nil, fmt.Errorf("%s: unmarshal: %w", name, err)
			}
			if op != "" && e.Op != op {
				continue
			}
			if failedOnly && e.Error == "" {
				continue
			}
			out = append(out, e)
		}
		err = sc.Err()
		dec.Close()
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
