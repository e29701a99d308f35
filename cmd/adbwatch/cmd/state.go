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
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/adbwatch/pkg/adb"
)

func init() {
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(disconnectCmd)
	addTransportFlags(stateCmd)
	addTransportFlags(disconnectCmd)
}

// stateCmd represents the state command
var stateCmd = &cobra.Command{
	Use:           "state",
	Short:         "Print the selected device's connection state",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		state, err := adb.NewClient(transportOption(cmd)).GetState()
		if err != nil {
			return fmt.Errorf("get-state failed: %w", err)
		}

		fmt.Println(state)
		return nil
	},
}

// disconnectCmd represents the disconnect command
var disconnectCmd = &cobra.Command{
	Use:           "disconnect <host:port>",
	Short:         "Disconnect a remote TCP device",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		msg, err := adb.NewClient(transportOption(cmd)).Disconnect(args[0])
		if err != nil {
			return fmt.Errorf("disconnect failed: %w", err)
		}

		log.Info(msg)
		return nil
	},
}
