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
	"fmt"
	"net/netip"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/facebook/clockoffset/service"
)

func init() {
	RootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe <peer ip:port>",
	Short: "send a single probe to a peer and print the resulting offset",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		configureLogLevel("warning")

		peer, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return fmt.Errorf("parsing peer address %q: %w", args[0], err)
		}

		svc, err := service.New(0, 1, time.Second)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		go func() { _ = svc.Run(ctx) }()

		result := make(chan int32, 1)
		h := svc.Subscribe(func(from netip.AddrPort, _ int32, smoothed int32, dropMe *bool) {
			if from != peer {
				return
			}
			*dropMe = true
			result <- smoothed
		})
		defer svc.Unsubscribe(h)

		if err := svc.InitSingleTimeRequest(peer); err != nil {
			return err
		}

		select {
		case offset := <-result:
			fmt.Println(color.GreenString("offset to %s: %dns", peer, offset))
		case <-ctx.Done():
			fmt.Println(color.RedString("timed out waiting for a response from %s", peer))
		}
		return nil
	},
}
