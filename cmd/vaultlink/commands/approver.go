package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaultlink/vaultlink-go/cmd/vaultlink/interactive"
	"github.com/vaultlink/vaultlink-go/pkg/config"
	"github.com/vaultlink/vaultlink-go/pkg/service"
)

func approverCmd() *cobra.Command {
	var (
		listen      string
		name        string
		vaultPath   string
		noDiscovery bool
	)

	cmd := &cobra.Command{
		Use:   "approver",
		Short: "Run the approver console and decide credential requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := service.DefaultApproverConfig()
			fileCfg.ApplyApprover(&cfg)
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddress = listen
			}
			if cmd.Flags().Changed("name") {
				cfg.DisplayName = name
			}
			if noDiscovery {
				cfg.EnableDiscovery = false
			}
			cfg.SessionFile = defaultFile(cfg.SessionFile, "approver-sessions.json")

			if vaultPath == "" {
				vaultPath = defaultFile(fileCfg.Approver.VaultFile, "vault.yaml")
			}
			vault, err := config.LoadVault(vaultPath)
			if err != nil {
				return err
			}
			cfg.Vault = vault

			console, err := interactive.New()
			if err != nil {
				return err
			}
			defer console.Close()

			rt, err := newRuntime(fileCfg, console.Stdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			sealer, err := keySealer(console.ReadPassword)
			if err != nil {
				return err
			}
			cfg.KeySealer = sealer
			cfg.Prompter = console
			cfg.Audit = rt.audit
			cfg.Metrics = rt.metrics
			cfg.Logger = rt.logger

			svc, err := service.NewApproverService(cfg)
			if err != nil {
				return err
			}
			console.Attach(svc, vault)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := svc.Start(ctx); err != nil {
				return err
			}
			go console.Run(ctx, cancel)

			<-ctx.Done()
			rt.logger.Info("shutting down")
			return svc.Stop()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :7847)")
	cmd.Flags().StringVar(&name, "name", "", "display name advertised to agents")
	cmd.Flags().StringVar(&vaultPath, "vault", "", "vault file (default ~/.vaultlink/vault.yaml)")
	cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "do not advertise over mDNS")
	return cmd
}
