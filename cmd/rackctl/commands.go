package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/devghori1264/aerophoenix/rackd/internal/grpcapi"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newPingCmd(opts *options) *cobra.Command {
	var useGRPC bool
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that rackd answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if useGRPC {
				conn, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
				if err != nil {
					return err
				}
				defer conn.Close()
				msg, err := grpcapi.NewClient(conn).Ping(cmd.Context())
				if err != nil {
					return err
				}
				return opts.print(map[string]string{"msg": msg})
			}
			var out map[string]string
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/ping", nil, &out); err != nil {
				return err
			}
			return opts.print(out)
		},
	}
	cmd.Flags().BoolVar(&useGRPC, "grpc", false, "ping the gRPC endpoint instead of HTTP")
	return cmd
}

func listPath(base, sortBy string) string {
	if sortBy == "" {
		return base
	}
	return base + "?" + url.Values{"sort_by": {sortBy}}.Encode()
}

// ---------- racks ----------

func newRackCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rack",
		Short: "Create, inspect, resize and delete racks",
	}

	var capacity int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a rack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r models.Rack
			body := map[string]int64{"capacity": capacity}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/racks", body, &r); err != nil {
				return err
			}
			return opts.print(r)
		},
	}
	create.Flags().Int64Var(&capacity, "capacity", 0, "number of server slots")
	_ = create.MarkFlagRequired("capacity")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a rack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var r models.Rack
			if err := opts.client().do(cmd.Context(), http.MethodGet, fmt.Sprintf("/racks/%d", id), nil, &r); err != nil {
				return err
			}
			return opts.print(r)
		},
	}

	var sortBy string
	list := &cobra.Command{
		Use:   "list",
		Short: "List racks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var racks []models.Rack
			if err := opts.client().do(cmd.Context(), http.MethodGet, listPath("/racks", sortBy), nil, &racks); err != nil {
				return err
			}
			return opts.print(racks)
		},
	}
	list.Flags().StringVar(&sortBy, "sort-by", "", "id or change_date")

	var newCapacity int64
	resize := &cobra.Command{
		Use:   "resize ID",
		Short: "Change a rack's capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var r models.Rack
			body := map[string]int64{"capacity": newCapacity}
			if err := opts.client().do(cmd.Context(), http.MethodPut, fmt.Sprintf("/racks/%d", id), body, &r); err != nil {
				return err
			}
			return opts.print(r)
		},
	}
	resize.Flags().Int64Var(&newCapacity, "capacity", 0, "new number of server slots")
	_ = resize.MarkFlagRequired("capacity")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an empty rack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := opts.client().do(cmd.Context(), http.MethodDelete, fmt.Sprintf("/racks/%d", id), nil, nil); err != nil {
				return err
			}
			return opts.print(map[string]any{"deleted": id})
		},
	}

	cmd.AddCommand(create, get, list, resize, del)
	return cmd
}

// ---------- servers ----------

func newServerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Create servers and drive their lifecycle",
	}

	var rackID int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a server in a rack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var m models.Server
			body := map[string]int64{"rack": rackID}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/servers", body, &m); err != nil {
				return err
			}
			return opts.print(m)
		},
	}
	create.Flags().Int64Var(&rackID, "rack", 0, "rack id")
	_ = create.MarkFlagRequired("rack")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var m models.Server
			if err := opts.client().do(cmd.Context(), http.MethodGet, fmt.Sprintf("/servers/%d", id), nil, &m); err != nil {
				return err
			}
			return opts.print(m)
		},
	}

	var sortBy string
	list := &cobra.Command{
		Use:   "list",
		Short: "List servers, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var servers []models.Server
			if err := opts.client().do(cmd.Context(), http.MethodGet, listPath("/servers", sortBy), nil, &servers); err != nil {
				return err
			}
			return opts.print(servers)
		},
	}
	list.Flags().StringVar(&sortBy, "sort-by", "", "id or change_date")

	var months int
	setState := &cobra.Command{
		Use:   "set-state ID STATE",
		Short: "Request a state change (paid, unpaid, deleted)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			body := map[string]any{"state": args[1]}
			if months > 0 {
				body["months"] = months
			}
			var m models.Server
			if err := opts.client().do(cmd.Context(), http.MethodPatch, fmt.Sprintf("/servers/%d", id), body, &m); err != nil {
				return err
			}
			return opts.print(m)
		},
	}
	setState.Flags().IntVar(&months, "months", 0, "paid period in months (paid only)")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a server and free its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := opts.client().do(cmd.Context(), http.MethodDelete, fmt.Sprintf("/servers/%d", id), nil, nil); err != nil {
				return err
			}
			return opts.print(map[string]any{"deleted": id})
		},
	}

	cmd.AddCommand(create, get, list, setState, del)
	return cmd
}
