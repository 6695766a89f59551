package cli

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"pulsespace/pkg/catchup"
	"pulsespace/pkg/client"
	"pulsespace/pkg/models"
	"pulsespace/pkg/wire"
)

func newSendCmd(e *env) *cobra.Command {
	var replyTo int64
	var clientID string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <channel-id> <content>",
		Short: "Publish a message over the realtime gateway",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chID, err := parseID(args[0])
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
			if clientID == "" {
				clientID = uuid.NewString()
			}
			pub := wire.Publish{ChannelID: chID, Content: args[1], ClientMessageID: clientID}
			if replyTo > 0 {
				pub.ReplyToID = &replyTo
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ack, err := sendOnce(ctx, p, pub)
			if err != nil {
				return err
			}
			e.printf("%s message %d in channel %d (client id %s)\n", ack.Status, ack.MessageID, ack.ChannelID, clientID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&replyTo, "reply-to", 0, "message id this replies to")
	cmd.Flags().StringVar(&clientID, "client-id", "", "idempotency key (generated when empty); reuse it to retry safely")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")
	return cmd
}

// sendOnce connects, publishes pub and waits for its ack.
func sendOnce(ctx context.Context, p *Profile, pub wire.Publish) (wire.Ack, error) {
	connected := make(chan struct{}, 1)
	acked := make(chan wire.Ack, 1)
	failed := make(chan error, 1)

	conn, err := client.New(client.Options{
		URL:         p.Realtime,
		Token:       p.Token,
		MaxAttempts: 1,
		OnConnected: func(wire.Connected) {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnStatus: func(s client.State, err error) {
			if s == client.StateDisconnected && err != nil {
				select {
				case failed <- err:
				default:
				}
			}
		},
		OnAck: func(requestID string, ack wire.Ack) {
			if requestID == pub.ClientMessageID {
				acked <- ack
			}
		},
		OnPublishFailed: func(_ int64, _ string, err error) {
			select {
			case failed <- err:
			default:
			}
		},
	})
	if err != nil {
		return wire.Ack{}, errors.Trace(err)
	}
	defer conn.Close()
	conn.Start()

	select {
	case <-connected:
	case err := <-failed:
		return wire.Ack{}, errors.Annotate(err, "connect")
	case <-ctx.Done():
		return wire.Ack{}, errors.Annotate(ctx.Err(), "connect")
	}

	conn.Publish(pub)
	select {
	case ack := <-acked:
		return ack, nil
	case err := <-failed:
		return wire.Ack{}, errors.Annotate(err, "publish")
	case <-ctx.Done():
		return wire.Ack{}, errors.Annotatef(ctx.Err(), "waiting for ack of %s", pub.ClientMessageID)
	}
}

func newTailCmd(e *env) *cobra.Command {
	var markRead bool
	var limit int
	cmd := &cobra.Command{
		Use:   "tail <channel-id>...",
		Short: "Follow channels live, reconnecting and catching up after drops",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []int64
			for _, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			p, err := e.profile()
			if err != nil {
				return err
			}
			if err := p.requireToken(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return e.tail(ctx, p, ids, limit, markRead)
		},
	}
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "advance the read position as messages are printed")
	cmd.Flags().IntVar(&limit, "limit", 20, "messages loaded per channel on connect")
	return cmd
}

// tail prints new messages of ids until ctx ends. Messages reach the
// printer through the coordinator, so live and caught-up messages come
// out in id order without duplicates.
func (e *env) tail(ctx context.Context, p *Profile, ids []int64, limit int, markRead bool) error {
	var (
		mu        sync.Mutex
		printed   = make(map[int64]int64)
		gapsShown = make(map[int64]int)
		marker    *client.ReadMarker
	)
	var coord *client.Coordinator
	coord = client.NewCoordinator(client.CoordinatorConfig{
		Pager: e.api(p),
		Limit: limit,
		// MarkRead re-enters OnChange, so the marker runs after mu is released.
		OnChange: func(chID int64) {
			mu.Lock()
			if v, ok := coord.View(chID); ok && len(v.Gaps) > gapsShown[chID] {
				for _, g := range v.Gaps[gapsShown[chID]:] {
					e.printf("-- #%d: %s not loaded, use history --before\n", chID, gapRange(g))
				}
				gapsShown[chID] = len(v.Gaps)
			}
			fresh := newerThan(coord.Messages(chID), printed[chID])
			for _, m := range fresh {
				e.printf("#%d %s\n", chID, formatMessage(m))
				printed[chID] = m.ID
			}
			last, m := printed[chID], marker
			mu.Unlock()
			if m != nil && len(fresh) > 0 {
				_ = m.MarkRead(chID, last)
			}
		},
	})

	opts := client.Options{
		URL:   p.Realtime,
		Token: p.Token,
		OnStatus: func(s client.State, err error) {
			if err != nil {
				e.printf("-- %s: %v\n", s, err)
				return
			}
			e.printf("-- %s\n", s)
		},
		OnPublishFailed: func(chID int64, _ string, err error) {
			e.printf("-- publish to #%d failed: %v\n", chID, err)
		},
	}
	coord.Bind(ctx, &opts)
	conn, err := client.New(opts)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	if markRead {
		m, err := client.NewReadMarker(conn, coord, clock.WallClock, time.Second)
		if err != nil {
			return errors.Trace(err)
		}
		defer m.Close()
		mu.Lock()
		marker = m
		mu.Unlock()
	}

	for _, id := range ids {
		coord.Track(id)
		conn.Subscribe(id)
	}
	conn.Start()
	<-ctx.Done()
	if marker != nil {
		_ = marker.Flush()
	}
	return nil
}

func gapRange(g catchup.Gap) string {
	if g.Before == 0 {
		return fmt.Sprintf("messages after %d", g.After)
	}
	return fmt.Sprintf("messages %d..%d", g.After+1, g.Before-1)
}

func newerThan(msgs []models.Message, after int64) []models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID > after {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
