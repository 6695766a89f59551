package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/pebble"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"pulsespace/pkg/state"
	"pulsespace/pkg/store/keys"
)

func newInspectCmd(e *env) *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:   "inspect <db-path>",
		Short: "Count keys by family in a stopped server's database",
		Long: `inspect opens the pebble store read-only and counts keys per prefix.
<db-path> is the server's db_path; its store/ directory is used when present.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := inspectStore(resolveStorePath(args[0]), samples)
			if err != nil {
				return err
			}
			rep.print(e)
			return nil
		},
	}
	cmd.Flags().IntVar(&samples, "samples", 0, "print up to this many keys per family")
	return cmd
}

func resolveStorePath(dbPath string) string {
	sp := state.StorePath(dbPath)
	if fi, err := os.Stat(sp); err == nil && fi.IsDir() {
		return sp
	}
	return dbPath
}

type inspectReport struct {
	path    string
	total   int
	counts  map[string]int
	samples map[string][]string
	other   int
	disk    uint64
}

func familyOf(key string) string {
	for _, p := range keys.AllPrefixes {
		if strings.HasPrefix(key, p) {
			return p
		}
	}
	return ""
}

func inspectStore(path string, samples int) (*inspectReport, error) {
	db, err := pebble.Open(path, &pebble.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.Annotatef(err, "open %s read-only", path)
	}
	defer db.Close()

	iter, err := db.NewIter(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer iter.Close()

	rep := &inspectReport{
		path:    path,
		counts:  make(map[string]int),
		samples: make(map[string][]string),
	}
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		rep.total++
		fam := familyOf(key)
		if fam == "" {
			rep.other++
			continue
		}
		rep.counts[fam]++
		if len(rep.samples[fam]) < samples {
			rep.samples[fam] = append(rep.samples[fam], key)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Trace(err)
	}
	rep.disk = db.Metrics().DiskSpaceUsage()
	return rep, nil
}

func (r *inspectReport) print(e *env) {
	e.printf("Store: %s (%s on disk)\n\n", r.path, humanize.Bytes(r.disk))
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PREFIX\tKEYS")
	for _, p := range keys.AllPrefixes {
		fmt.Fprintf(tw, "%s\t%s\n", p, humanize.Comma(int64(r.counts[p])))
	}
	if r.other > 0 {
		fmt.Fprintf(tw, "(other)\t%s\n", humanize.Comma(int64(r.other)))
	}
	fmt.Fprintf(tw, "total\t%s\n", humanize.Comma(int64(r.total)))
	tw.Flush()
	for _, p := range keys.AllPrefixes {
		for _, k := range r.samples[p] {
			e.printf("  %s\n", k)
		}
	}
}
