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
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/adbwatch/pkg/adb"
)

func init() {
	rootCmd.AddCommand(shellCmd)
	addTransportFlags(shellCmd)

	shellCmd.Flags().BoolP("legacy", "x", false, "force the v1 shell protocol")
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:           "shell <command>...",
	Short:         "Run a shell command on the device",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		legacy, _ := cmd.Flags().GetBool("legacy")

		client := adb.NewClient(transportOption(cmd))
		command := strings.Join(args, " ")

		var (
			out *adb.ShellOutput
			err error
		)
		if legacy {
			out, err = client.ExecuteShellProtocol(command, false)
		} else {
			out, err = client.ExecuteShell(command)
		}
		if err != nil {
			return fmt.Errorf("shell failed: %w", err)
		}

		os.Stdout.Write(out.Stdout)
		os.Stderr.Write(out.Stderr)

		if out.ExitCode != 0 {
			os.Exit(int(out.ExitCode))
		}

		return nil
	},
}
