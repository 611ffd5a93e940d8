package main

import (
	"github.com/LouYuanbo1/apicapture/internal/server"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, map[string]string{"server.addr": "addr"})
			if err != nil {
				return &exitError{code: exitInputError, err: err}
			}
			defer func() { _ = a.logger.Sync() }()

			srv, err := server.New(a.cfg, a.service, a.logger.Named("http"))
			if err != nil {
				return &exitError{code: exitInputError, err: err}
			}
			if err := srv.Run(cmd.Context()); err != nil {
				return &exitError{code: exitDriverError, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr (default :3000)")
	return cmd
}
