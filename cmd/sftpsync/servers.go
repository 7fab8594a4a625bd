package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ning0612/sftpsync/internal/config"
	"github.com/Ning0612/sftpsync/internal/domain"
)

func init() {
	rootCmd.AddCommand(newServersCmd())
}

func newServersCmd() *cobra.Command {
	serversCmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage the configured servers",
	}
	serversCmd.AddCommand(newServersListCmd(), newServersAddCmd(), newServersRemoveCmd())
	return serversCmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, _, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tADDRESS\tUSER\tDIRECTION\tREMOTE\tLOCAL\tRECHECK")
			for _, s := range cfg.Servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%dm\n",
					s.Alias, s.Addr(), s.Username, s.Direction, s.RemoteDir, s.LocalDir, s.RecheckMinutes)
			}
			return w.Flush()
		},
	}
}

func newServersAddCmd() *cobra.Command {
	var (
		server    domain.ServerConfig
		direction string
		hash      string
	)

	addCmd := &cobra.Command{
		Use:   "add <alias>",
		Short: "Add a server to the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, path, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}

			dir, err := domain.ParseDirection(direction)
			if err != nil {
				return err
			}
			server.Alias = args[0]
			server.Direction = dir
			server.HashAlgorithm = domain.HashAlgorithm(hash)
			server.LocalDir = config.ExpandPath(server.LocalDir)
			server.KeyPath = config.ExpandPath(server.KeyPath)
			server.KnownHostsFile = config.ExpandPath(server.KnownHostsFile)

			if err := cfg.AddServer(server.WithDefaults()); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", server.Alias, path)
			return nil
		},
	}

	f := addCmd.Flags()
	f.StringVar(&server.Host, "host", "", "server host name or address")
	f.IntVar(&server.Port, "port", 22, "SSH port")
	f.StringVarP(&server.Username, "user", "u", "", "login user")
	f.StringVar(&server.Password, "password", "", "login password")
	f.StringVar(&server.KeyPath, "key", "", "private key file")
	f.StringVar(&server.KnownHostsFile, "known-hosts", "", "known_hosts file used to verify the host key")
	f.BoolVar(&server.InsecureIgnoreHostKey, "insecure", false, "skip host key verification")
	f.StringVar(&server.RemoteDir, "remote", ".", "remote directory")
	f.StringVar(&server.LocalDir, "local", "", "local directory")
	f.StringVarP(&direction, "direction", "d", "clone", "clone, mirror or upload")
	f.IntVar(&server.RecheckMinutes, "recheck", 15, "minutes between two runs")
	f.StringVar(&hash, "hash", string(domain.HashMD5), "digest used to compare files (md5, sha256)")
	_ = addCmd.MarkFlagRequired("host")
	_ = addCmd.MarkFlagRequired("user")
	_ = addCmd.MarkFlagRequired("local")

	return addCmd
}

func newServersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <alias>",
		Aliases: []string{"rm"},
		Short:   "Remove a server from the config file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, path, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if err := cfg.RemoveServer(args[0]); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[0], path)
			return nil
		},
	}
}
