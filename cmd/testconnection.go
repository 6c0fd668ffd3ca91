/* cmd/testconnection.go */

package cmd

import (
	"fmt"

	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/cli"
)

var testConnServer string

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Test connectivity and bind against a directory server",
	Long: `Test-connection dials the named directory server, binds with its
configured credentials, and runs a minimal search. The outcome is printed
and persisted on the server record.`,
	RunE: cli.Wrap(func(rc *cli.RuntimeContext, cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(rc, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		server, err := rt.Repo.GetServerByName(rc.Ctx, testConnServer)
		if err != nil {
			return cerr.Wrapf(err, "directory server %q", testConnServer)
		}

		res, err := rt.Discovery.TestServer(rc.Ctx, server.ID)
		if err != nil {
			return err
		}
		if !res.Success {
			fmt.Printf("FAIL  %s: %s\n", server.Name, res.Message)
			return cerr.Newf("connection test against %q failed", server.Name)
		}
		fmt.Printf("OK    %s: %s\n", server.Name, res.Message)
		return nil
	}),
}

func init() {
	testConnectionCmd.Flags().StringVar(&testConnServer, "server", "", "directory server name")
	_ = testConnectionCmd.MarkFlagRequired("server")
}
