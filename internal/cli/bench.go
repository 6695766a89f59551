package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	vegeta "github.com/tsenart/vegeta/lib"
)

const (
	benchHistory = "history"
	benchPublish = "publish"
)

type benchConfig struct {
	Server    string
	Token     string
	ChannelID int64
	Pattern   string
	RPS       int
	Duration  time.Duration
	Limit     int
	Payload   int
}

func newBenchCmd(e *env) *cobra.Command {
	cfg := benchConfig{}
	cmd := &cobra.Command{
		Use:   "bench <channel-id>",
		Short: "Load test the history or publish endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := e.profile()
			if err != nil {
				return err
			}
			if err := p.requireToken(); err != nil {
				return err
			}
			cfg.ChannelID, cfg.Server, cfg.Token = id, p.Server, p.Token
			tr, err := benchTargeter(cfg)
			if err != nil {
				return err
			}
			if e.verbose {
				e.printf("Attacking %s with %s for %s at %d rps (%d workers)\n",
					cfg.Server, cfg.Pattern, cfg.Duration, cfg.RPS, runtime.NumCPU())
			}
			m := runAttack(tr, cfg)
			printMetrics(e, cfg, m)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Pattern, "pattern", benchHistory, "history or publish")
	f.IntVar(&cfg.RPS, "rps", 100, "requests per second")
	f.DurationVar(&cfg.Duration, "duration", 10*time.Second, "attack duration")
	f.IntVar(&cfg.Limit, "limit", 50, "history page size")
	f.IntVar(&cfg.Payload, "payload", 64, "publish content size in bytes")
	return cmd
}

// benchTargeter returns a vegeta targeter for cfg. Publish targets carry a
// fresh clientMessageId each so none is deduplicated.
func benchTargeter(cfg benchConfig) (vegeta.Targeter, error) {
	if cfg.RPS <= 0 || cfg.Duration <= 0 {
		return nil, errors.NotValidf("rps %d and duration %s", cfg.RPS, cfg.Duration)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+cfg.Token)
	base := strings.TrimRight(cfg.Server, "/")

	switch cfg.Pattern {
	case benchHistory:
		url := fmt.Sprintf("%s/api/channels/%d/messages?limit=%d", base, cfg.ChannelID, cfg.Limit)
		return vegeta.NewStaticTargeter(vegeta.Target{Method: http.MethodGet, URL: url, Header: hdr}), nil
	case benchPublish:
		hdr.Set("Content-Type", "application/json")
		url := fmt.Sprintf("%s/api/channels/%d/messages", base, cfg.ChannelID)
		content := strings.Repeat("x", max(cfg.Payload, 1))
		var seq atomic.Int64
		return func(t *vegeta.Target) error {
			body, err := json.Marshal(map[string]string{
				"content":         fmt.Sprintf("bench %d %s", seq.Add(1), content),
				"clientMessageId": uuid.NewString(),
			})
			if err != nil {
				return err
			}
			t.Method, t.URL, t.Body, t.Header = http.MethodPost, url, body, hdr
			return nil
		}, nil
	default:
		return nil, errors.NotValidf("pattern %q", cfg.Pattern)
	}
}

func runAttack(tr vegeta.Targeter, cfg benchConfig) *vegeta.Metrics {
	rate := vegeta.Rate{Freq: cfg.RPS, Per: time.Second}
	attacker := vegeta.NewAttacker(vegeta.Workers(uint64(runtime.NumCPU())))
	m := &vegeta.Metrics{}
	for res := range attacker.Attack(tr, rate, cfg.Duration, "pulsectl-"+cfg.Pattern) {
		m.Add(res)
	}
	m.Close()
	return m
}

func printMetrics(e *env, cfg benchConfig, m *vegeta.Metrics) {
	e.printf("Pattern:     %s on channel %d\n", cfg.Pattern, cfg.ChannelID)
	e.printf("Requests:    %s (%.1f/s)\n", humanize.Comma(int64(m.Requests)), m.Rate)
	e.printf("Success:     %.2f%%\n", m.Success*100)
	e.printf("Throughput:  %.1f/s\n", m.Throughput)
	e.printf("Latency:     mean %s  p50 %s  p95 %s  p99 %s  max %s\n",
		m.Latencies.Mean, m.Latencies.P50, m.Latencies.P95, m.Latencies.P99, m.Latencies.Max)
	e.printf("Bytes:       in %s  out %s\n", humanize.Bytes(m.BytesIn.Total), humanize.Bytes(m.BytesOut.Total))

	codes := make([]string, 0, len(m.StatusCodes))
	for c := range m.StatusCodes {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		e.printf("Status %s:  %d\n", c, m.StatusCodes[c])
	}
	if len(m.Errors) > 0 {
		e.printf("Errors:\n")
		for _, er := range m.Errors {
			e.printf("  %s\n", er)
		}
	}
}
