/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/clockoffset/config"
	"github.com/facebook/clockoffset/service"
	"github.com/facebook/clockoffset/stats"
)

// metricsScrapeInterval is how often the Prometheus exporter re-scrapes
// the JSON stats endpoint it wraps, mirroring intervalFlag's default in
// cmd/sptp-exporter/main.go.
const metricsScrapeInterval = time.Second

var servePortFlag int

func init() {
	serveCmd.Flags().IntVar(&servePortFlag, "port", 0, "override local_port from the config")
	RootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the clock offset daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := config.Default()
		if configFlag != "" {
			loaded, err := config.ReadConfig(configFlag)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if servePortFlag != 0 {
			cfg.LocalPort = servePortFlag
		}
		configureLogLevel(cfg.LogLevel)

		svc, err := service.NewServiceFromConfig(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		go svc.Stats().Start(cfg.StatsPort)

		statsURL := fmt.Sprintf("http://localhost:%d", cfg.StatsPort)
		exporter := stats.NewPrometheusExporter(cfg.MetricsPort, statsURL, metricsScrapeInterval)
		go exporter.Start()

		for _, raw := range cfg.Peers {
			peer, err := netip.ParseAddrPort(raw)
			if err != nil {
				log.Errorf("skipping invalid peer %q: %v", raw, err)
				continue
			}
			svc.InitIterativeTimeRequest(peer)
			log.Infof("probing %s every up to %s", peer, cfg.MaxRepetitionIntervalDuration())
		}

		ctx, cancel := context.WithCancel(context.Background())
		sigStop := make(chan os.Signal, 1)
		signal.Notify(sigStop, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigStop
			log.Warning("graceful shutdown")
			cancel()
		}()

		log.Infof("listening on %s", svc.LocalAddr())
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
