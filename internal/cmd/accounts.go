package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/config"
	"github.com/brightloom-dev/llmgateway/internal/provider"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
	"github.com/spf13/cobra"
)

// noopProviderExecutor satisfies coreauth.ProviderExecutor without dialing
// anywhere; `accounts list` only needs provider.Build to populate the
// Manager, never to dispatch a call.
type noopProviderExecutor struct{}

func (noopProviderExecutor) Identifier() string { return "noop" }

func (noopProviderExecutor) Execute(context.Context, *coreauth.Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (noopProviderExecutor) ExecuteStream(context.Context, *coreauth.Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	return nil, nil
}

func (noopProviderExecutor) CountTokens(context.Context, *coreauth.Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (noopProviderExecutor) Refresh(ctx context.Context, a *coreauth.Auth) (*coreauth.Auth, error) {
	return a, nil
}

func (noopProviderExecutor) HttpRequest(context.Context, *coreauth.Auth, *http.Request) (*http.Response, error) {
	return nil, nil
}

var accountsConfigPath string

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect the accounts configured for this gateway",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every configured account's id, provider, and cooldown state",
	RunE:  runAccountsList,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsListCmd.Flags().StringVar(&accountsConfigPath, "config", "config.yaml", "Path to the gateway config file")
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(accountsConfigPath)
	if err != nil {
		return err
	}

	mgr := coreauth.NewManager(nil, coreauth.NewRoundRobinSelector(), coreauth.NoopHook{})
	noopExecutor := func(config.ProviderConfig) (coreauth.ProviderExecutor, error) {
		return noopProviderExecutor{}, nil
	}
	if _, err := provider.Build(cfg, mgr, noopExecutor); err != nil {
		return fmt.Errorf("loading accounts: %w", err)
	}

	auths := mgr.List()
	if len(auths) == 0 {
		fmt.Println("no accounts configured")
		return nil
	}

	fmt.Printf("%-24s %-24s %-10s %s\n", "ACCOUNT", "PROVIDER", "STATUS", "DETAIL")
	for _, a := range auths {
		status := string(a.Status)
		if status == "" {
			status = string(coreauth.StatusActive)
		}
		detail := ""
		if a.Cooling(time.Now()) {
			detail = fmt.Sprintf("cooling until %s (%s)", a.NextRetryAfter.Format(time.RFC3339), a.StatusMessage)
		}
		fmt.Printf("%-24s %-24s %-10s %s\n", a.ID, a.Provider, status, detail)
	}
	return nil
}
