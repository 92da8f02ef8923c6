// Package cli implements bridgectl, the operator tool for the bridge
// administration API.
package cli

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	adminURLKey   = "admin_url"
	adminTokenKey = "admin_token"
	configFileKey = "config"
)

type app struct {
	cfg        *viper.Viper
	httpClient *http.Client
}

func Execute() error {
	return newRootCmd(nil).Execute()
}

func newRootCmd(httpClient *http.Client) *cobra.Command {
	a := &app{cfg: viper.New(), httpClient: httpClient}

	rootCmd := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Inspect and manage the provider bridge",
		Long:          "bridgectl lists permission grants, live sessions and pending approval prompts, and lets an operator revoke origins or answer prompts.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("admin-url", "http://127.0.0.1:8080", "base URL of the bridge admin API")
	flags.String("token", "", "admin bearer token")
	flags.String("config", "", "optional config file (toml, yaml or json)")
	_ = a.cfg.BindPFlag(adminURLKey, flags.Lookup("admin-url"))
	_ = a.cfg.BindPFlag(adminTokenKey, flags.Lookup("token"))
	_ = a.cfg.BindPFlag(configFileKey, flags.Lookup("config"))

	a.cfg.SetEnvPrefix("BRIDGECTL")
	a.cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.cfg.AutomaticEnv()

	rootCmd.AddCommand(
		newGrantsCmd(a),
		newRevokeCmd(a),
		newSessionsCmd(a),
		newApprovalsCmd(a),
		newApproveCmd(a),
		newRejectCmd(a),
	)

	return rootCmd
}

func (a *app) loadConfig() error {
	path := a.cfg.GetString(configFileKey)
	if path == "" {
		return nil
	}
	a.cfg.SetConfigFile(path)
	if err := a.cfg.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func (a *app) client() (*Client, error) {
	return newClient(a.cfg.GetString(adminURLKey), a.cfg.GetString(adminTokenKey), a.httpClient)
}
