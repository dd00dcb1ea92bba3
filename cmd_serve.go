package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/humblenginr/iris_pipeline/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve predictions from the latest stored model over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		gin.SetMode(gin.ReleaseMode)

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return server.New(cfg.HTTP(), a.store, a.pool, a.metrics, a.log).Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
}
