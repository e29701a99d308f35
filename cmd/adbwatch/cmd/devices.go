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
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/adbwatch/pkg/adb"
)

var colorFaint = color.New(color.Faint, color.FgHiBlue).SprintFunc()
var colorBold = color.New(color.Bold).SprintFunc()

func init() {
	rootCmd.AddCommand(devicesCmd)
	addTransportFlags(devicesCmd)

	devicesCmd.Flags().BoolP("json", "j", false, "Display devices as JSON")
	devicesCmd.Flags().BoolP("all", "a", false, "Include devices in non-device states")
}

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:           "devices",
	Short:         "List devices attached to the ADB server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		asJSON, _ := cmd.Flags().GetBool("json")
		all, _ := cmd.Flags().GetBool("all")

		devices, err := adb.NewClient(transportOption(cmd)).ListDevices(!all, "")
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		if len(devices) == 0 {
			log.Warn("no devices found")
			return nil
		}

		if asJSON {
			out, err := json.Marshal(devices)
			if err != nil {
				return fmt.Errorf("failed to marshal devices to JSON: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		for _, dev := range devices {
			fmt.Printf("%s %s %s %s %s %s\n",
				colorBold(fmt.Sprintf("%-22s", dev.Serial)),
				dev.State,
				colorFaint("product:")+dev.Product,
				colorFaint("model:")+dev.Model,
				colorFaint("device:")+dev.Device,
				colorFaint("transport_id:")+fmt.Sprint(dev.TransportID),
			)
		}

		return nil
	},
}
