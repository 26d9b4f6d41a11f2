package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"p2p_chat/internal/config"
	"p2p_chat/internal/service/app"
	"p2p_chat/internal/utils/log"
)

func main() {
	cfg := config.Load()

	var storeURL string

	root := &cobra.Command{
		Use:   "chat <username>",
		Short: "Peer-to-peer chat client",
		Long: "Terminal chat client that negotiates a direct transport with one peer\n" +
			"through a manually exchanged offer/answer payload.",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if storeURL != "" {
				cfg.StoreURL = storeURL
			}

			a := app.NewApp(cfg)

			done := make(chan os.Signal, 1)
			signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-done
				a.Stop()
			}()

			a.Run(context.Background(), args[0])
			log.Sync()
		},
	}
	root.Flags().StringVar(&storeURL, "store", "", "conversation store base URL (default from STORE_URL)")

	if err := root.Execute(); err != nil {
		log.Fatal("client exited", zap.Error(err))
	}
}
