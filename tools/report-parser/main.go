// detourbox report-stream parser

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// One access line:
// id|corr|pip|operation|status|action|level|access|error|usn|path|filter
var accessRe = regexp.MustCompile(
	`^(\d+)\|(\d+)\|(\d+)\|([^|]+)\|([^|]+)\|([^|]+)\|([^|]+)\|(\d+)\|(\d+)\|(\d+)\|([^|]*)\|([^|]*)$`)

type pathStats struct {
	total   int
	denied  int
	writes  int
	reads   int
	byOp    map[string]int
}

func parseReports(infile string, stats map[string]*pathStats) (int, error) {

	file, err := os.Open(infile)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lines := 0

	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		} else if err != nil {
			return lines, fmt.Errorf("failed to read file %s: %v", infile, err)
		}

		m := accessRe.FindStringSubmatch(strings.TrimSuffix(line, "\n"))
		if m == nil {
			// Process lifecycle lines and noise are skipped.
			continue
		}
		lines++

		op, status, action, path := m[4], m[5], m[6], m[11]

		ps, found := stats[path]
		if !found {
			ps = &pathStats{byOp: map[string]int{}}
			stats[path] = ps
		}

		ps.total++
		ps.byOp[op]++
		if status == "Denied" || action == "Deny" {
			ps.denied++
		}
		switch op {
		case "CreateFile", "NtCreateFile", "ZwCreateFile", "CreateProcess":
			ps.reads++
		case "DeleteFile", "CreateDirectory", "RemoveDirectory",
			"MoveFileWithProgress_Source", "MoveFileWithProgress_Dest",
			"CreateHardLink_Dest", "SetFileDispositionInformation":
			ps.writes++
		}
	}

	return lines, nil
}

func dumpStats(w io.Writer, stats map[string]*pathStats, deniedOnly bool) {

	paths := make([]string, 0, len(stats))
	for p := range stats {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ps := stats[p]
		if deniedOnly && ps.denied == 0 {
			continue
		}

		fmt.Fprintf(w, "%s: total=%d denied=%d reads=%d writes=%d\n",
			p, ps.total, ps.denied, ps.reads, ps.writes)

		ops := make([]string, 0, len(ps.byOp))
		for op := range ps.byOp {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Fprintf(w, "    %-40s %d\n", op, ps.byOp[op])
		}
	}
}

func main() {

	deniedOnly := flag.Bool("denied", false, "show denied paths only")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-denied] <report-file> ...\n",
			os.Args[0])
		os.Exit(1)
	}

	stats := map[string]*pathStats{}
	total := 0

	for _, infile := range flag.Args() {
		n, err := parseReports(infile, stats)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		total += n
	}

	fmt.Printf("%d access records across %d paths\n\n", total, len(stats))
	dumpStats(os.Stdout, stats, *deniedOnly)
}
