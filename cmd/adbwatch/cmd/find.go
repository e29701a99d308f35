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
	"encoding/json"
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/adbwatch/pkg/devwatch"
)

func init() {
	rootCmd.AddCommand(findCmd)
	addTransportFlags(findCmd)

	findCmd.Flags().String("id", "", "identity key to match (identity, devpath, hub, serial, ip or driver)")
	findCmd.Flags().String("match-serial", "", "serial the interface must carry")
	findCmd.Flags().String("type", "", "type mask the interface must include, e.g. usb,adb")
	findCmd.Flags().Uint16("vid", 0, "vendor id the interface must carry")
	findCmd.Flags().Uint16("pid", 0, "product id the interface must carry")
	findCmd.Flags().Duration("timeout", -1, "give up after this long (negative waits forever)")
}

// findCmd represents the find command
var findCmd = &cobra.Command{
	Use:           "find",
	Short:         "Block until a matching device interface appears",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		target := devwatch.NewTarget()
		target.Identity, _ = cmd.Flags().GetString("id")
		target.Serial, _ = cmd.Flags().GetString("match-serial")
		target.Vid, _ = cmd.Flags().GetUint16("vid")
		target.Pid, _ = cmd.Flags().GetUint16("pid")
		if types, _ := cmd.Flags().GetString("type"); types != "" {
			target.Type = devwatch.ParseDeviceType(types)
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		settings := devwatch.WatchSettings{Transport: transportOption(cmd)}

		watcher, err := devwatch.New(settings, nil)
		if err != nil {
			return fmt.Errorf("create watcher failed: %w", err)
		}

		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start watcher failed: %w", err)
		}
		defer watcher.Stop()

		dev, ok := watcher.WaitFor(target, timeout)
		if !ok {
			return fmt.Errorf("no matching interface within %s", timeout)
		}

		out, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		return nil
	},
}
