/**
 * Copyright 2026 kmeaw
 *
 * Licensed under the GNU Affero General Public License (AGPL).
 *
 * This program is free software: you can redistribute it and/or modify it
 * under the terms of the GNU Affero General Public License as published by the
 * Free Software Foundation, version 3 of the License.
 *
 * This program is distributed in the hope that it will be useful, but WITHOUT
 * ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
 * FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
 * for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// The core binary. Injected builds call core.Connect from the library
// constructor; running it standalone attaches this process to the
// manager, which is handy for poking at the channel.
package main

import (
	"log"

	"github.com/spf13/cobra"

	"mempatch/internal/core"
)

func main() {
	var managerAddr string

	root := &cobra.Command{
		Use:   "mempatch-core",
		Short: "In-target patching core",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := core.Connect(core.Config{ManagerAddr: managerAddr})
			if err != nil {
				return err
			}
			log.Printf("connected as %q", c.CoreName())
			c.Wait()
			return nil
		},
	}
	root.Flags().StringVar(&managerAddr, "manager", "", "manager address (default: loopback control port)")

	if err := root.Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}

// vim: ai:ts=8:sw=8:noet:syntax=go
