package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/atotto/clipboard"
	"github.com/brightloom-dev/llmgateway/internal/copilotauth"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Credential onboarding commands",
}

var copilotLoginCmd = &cobra.Command{
	Use:   "copilot-login",
	Short: "Run the GitHub device-code flow and print a Copilot refresh token",
	Long: `copilot-login walks through GitHub's device authorization flow: it
prints a verification URL and a short code, waits for you to approve the
code in a browser, then checks the resulting GitHub token against Copilot's
token exchange and prints that GitHub token (the account's refresh token)
with a ready-to-paste config fragment.`,
	RunE: runCopilotLogin,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(copilotLoginCmd)
}

func runCopilotLogin(cmd *cobra.Command, args []string) error {
	flow := copilotauth.NewFlow(nil)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	githubToken, user, err := flow.Onboard(context.Background(), func(dc *copilotauth.DeviceCodeResponse) {
		fmt.Printf("\nTo authorize this device, open:\n\n    %s\n\nand enter code:\n\n    %s\n\n", dc.VerificationURI, dc.UserCode)
		if !interactive {
			fmt.Println("(non-interactive session: skipping clipboard and browser)")
			fmt.Println("Waiting for approval...")
			return
		}
		if err := clipboard.WriteAll(dc.UserCode); err == nil {
			fmt.Println("(code copied to clipboard)")
		}
		if err := browser.OpenURL(dc.VerificationURI); err != nil {
			fmt.Println("(could not open a browser automatically; open the URL above manually)")
		}
		fmt.Println("Waiting for approval...")
	})
	if err != nil {
		return fmt.Errorf("copilot-login: %w", err)
	}

	login := "unknown"
	if user != nil && user.Login != "" {
		login = user.Login
	}
	fmt.Printf("\nAuthorized as GitHub user %q.\n", login)
	fmt.Printf("GitHub access token (use this as the account's refresh token):\n\n    %s\n\n", githubToken)
	fmt.Println("Add this to your gateway config:")
	fmt.Printf(`
providers:
  - type: github-copilot
    enabled: true
    priority: 1
    accounts:
      - id: %s
        token: %s
`, login, githubToken)

	return nil
}
