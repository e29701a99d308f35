/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/adbwatch/pkg/adb"
	"github.com/blacktop/adbwatch/pkg/devwatch"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	addTransportFlags(watchCmd)

	watchCmd.Flags().Bool("pretty", false, "pretty JSON output")
	watchCmd.Flags().Bool("once", false, "dump the current snapshot and exit")
	watchCmd.Flags().Bool("no-adb", false, "disable ADB server correlation")
	watchCmd.Flags().String("types", "", "device type filter, e.g. usb,adb|net")
	watchCmd.Flags().String("vids", "", "usb vid include/exclude list, e.g. 0x2717,!0x1234")
	watchCmd.Flags().String("pids", "", "usb pid include/exclude list, e.g. 0x2717,!0x1234")
	watchCmd.Flags().String("drivers", "", "driver allow-list, e.g. qcserial,usb-storage")
	watchCmd.Flags().String("usbserial-vidpid", "", "auto-bind usbserial for vid:pid pairs, e.g. 0x2341:0x0043 (requires root)")
	watchCmd.Flags().String("ip", "", "remote devices to connect first, e.g. 10.0.0.5:5555,10.0.0.6:5555")
}

// parseIDList splits "0x2717,!0x1234" into include and exclude lists.
func parseIDList(arg string) (includes, excludes []uint16, err error) {
	for _, tok := range strings.Split(arg, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		exclude := strings.HasPrefix(tok, "!")
		tok = strings.TrimPrefix(tok, "!")

		v, perr := strconv.ParseUint(tok, 0, 16)
		if perr != nil {
			return nil, nil, fmt.Errorf("invalid id %q: %w", tok, perr)
		}

		if exclude {
			excludes = append(excludes, uint16(v))
		} else {
			includes = append(includes, uint16(v))
		}
	}
	return includes, excludes, nil
}

func parseVidPidPairs(arg string) ([]devwatch.VidPid, error) {
	var out []devwatch.VidPid
	for _, tok := range strings.Split(arg, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		vidStr, pidStr, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, fmt.Errorf("invalid vid:pid %q", tok)
		}
		vid, err := strconv.ParseUint(vidStr, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid vid %q: %w", vidStr, err)
		}
		pid, err := strconv.ParseUint(pidStr, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q: %w", pidStr, err)
		}

		out = append(out, devwatch.VidPid{Vid: uint16(vid), Pid: uint16(pid)})
	}
	return out, nil
}

func watchSettings(cmd *cobra.Command) (devwatch.WatchSettings, error) {
	var settings devwatch.WatchSettings
	settings.Transport = transportOption(cmd)

	noADB, _ := cmd.Flags().GetBool("no-adb")
	settings.DisableADB = noADB

	types, _ := cmd.Flags().GetString("types")
	for _, filter := range strings.Split(types, "|") {
		if filter = strings.TrimSpace(filter); filter != "" {
			settings.TypeFilters = append(settings.TypeFilters, devwatch.ParseDeviceType(filter))
		}
	}

	var err error
	vids, _ := cmd.Flags().GetString("vids")
	if settings.IncludeVids, settings.ExcludeVids, err = parseIDList(vids); err != nil {
		return settings, err
	}
	pids, _ := cmd.Flags().GetString("pids")
	if settings.IncludePids, settings.ExcludePids, err = parseIDList(pids); err != nil {
		return settings, err
	}

	drivers, _ := cmd.Flags().GetString("drivers")
	for _, drv := range strings.Split(drivers, ",") {
		if drv = strings.TrimSpace(drv); drv != "" {
			settings.Drivers = append(settings.Drivers, drv)
		}
	}

	vidpids, _ := cmd.Flags().GetString("usbserial-vidpid")
	if settings.UsbSerialVidPids, err = parseVidPidPairs(vidpids); err != nil {
		return settings, err
	}

	return settings, nil
}

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:           "watch",
	Short:         "Stream device interface events as JSON",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		pretty, _ := cmd.Flags().GetBool("pretty")
		once, _ := cmd.Flags().GetBool("once")

		settings, err := watchSettings(cmd)
		if err != nil {
			return err
		}

		// Ask the server to reach out to remote devices before watching;
		// each connect is an independent connection.
		if ips, _ := cmd.Flags().GetString("ip"); ips != "" {
			var eg errgroup.Group
			for _, hostport := range strings.Split(ips, ",") {
				hostport = strings.TrimSpace(hostport)
				if hostport == "" {
					continue
				}
				hostport := hostport
				eg.Go(func() error {
					if _, err := adb.Connect(hostport, settings.Transport); err != nil {
						log.WithError(err).Warnf("connect %s", hostport)
					}
					return nil
				})
			}
			eg.Wait()
		}

		emit := func(dev devwatch.DeviceInterface) {
			var out []byte
			var err error
			if pretty {
				out, err = json.MarshalIndent(dev, "", "    ")
			} else {
				out, err = json.Marshal(dev)
			}
			if err != nil {
				log.WithError(err).Error("marshal device event")
				return
			}
			fmt.Println(string(out))
		}

		watcher, err := devwatch.New(settings, emit)
		if err != nil {
			return fmt.Errorf("create watcher failed: %w", err)
		}

		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start watcher failed: %w", err)
		}
		defer watcher.Stop()

		if once {
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			<-ctx.Done()
			return nil
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
			} else {
				return err
			}
		}

		return nil
	},
}
