// 文件: cmd/pnlengine/cmd/migrate.go
package cmd

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the MySQL tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.migrate(); err != nil {
			return err
		}
		cmd.Println("tables are up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
