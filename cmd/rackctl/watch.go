package main

import (
	"encoding/json"
	"fmt"

	"github.com/devghori1264/aerophoenix/rackd/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd(opts *options) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print lifecycle events as rackd publishes them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := nats.Connect(opts.natsURL, nats.Name("rackctl"))
			if err != nil {
				return fmt.Errorf("nats connect %s: %w", opts.natsURL, err)
			}
			defer nc.Close()

			subject := events.SubjectPrefix + ">"
			if kind != "" {
				subject = events.SubjectPrefix + kind
			}
			sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
				var ev events.Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					opts.log.Warn("undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
					return
				}
				fmt.Fprintln(opts.out, formatEvent(ev))
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()
			opts.log.Info("watching", zap.String("subject", subject))

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "only this event type, e.g. server.activated")
	return cmd
}

func formatEvent(ev events.Event) string {
	ts := ev.Time.Format("15:04:05.000")
	switch {
	case ev.Server != nil:
		exp := "-"
		if ev.Server.ExpiresAt != nil {
			exp = ev.Server.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")
		}
		return fmt.Sprintf("%s %-22s server=%d rack=%d state=%s expires=%s",
			ts, ev.Type, ev.Server.ID, ev.Server.RackID, ev.Server.State, exp)
	case ev.Rack != nil:
		return fmt.Sprintf("%s %-22s rack=%d capacity=%d servers=%d",
			ts, ev.Type, ev.Rack.ID, ev.Rack.Capacity, ev.Rack.ServerCount)
	default:
		return fmt.Sprintf("%s %s", ts, ev.Type)
	}
}
