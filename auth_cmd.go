package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/credfile"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/webflow"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize this machine with your Dropbox account",
		RunE:  runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the access token and remove saved credentials",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the authorized account",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	driver, err := webflow.New(&webflow.Options{
		AuthType:        loadedCfg.AuthType,
		OpenURL:         openBrowser,
		CredentialsPath: loadedCfg.CredentialsPath,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	client := dropbox.New(dropbox.Config{
		Key:        loadedCfg.AppKey,
		Secret:     loadedCfg.AppSecret,
		Driver:     driver,
		HTTPClient: defaultHTTPClient(),
		Logger:     logger,
		Servers:    clientServers(),
	})

	// Resume a previous partial flow if credentials were saved mid-way.
	creds, err := credfile.Load(loadedCfg.CredentialsPath)
	if err != nil {
		return err
	}

	if creds != nil {
		if setErr := client.SetCredentials(*creds); setErr != nil {
			logger.Warn("ignoring saved credentials", "error", setErr.Error())
		}
	}

	if client.IsAuthenticated() {
		statusf("Already logged in.\n")
		return nil
	}

	logger.Info("login started")

	if err := client.Authenticate(ctx, nil); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	statusf("Login successful")

	if uid := client.UID(); uid != "" {
		statusf(" (uid %s)", uid)
	}

	statusf(".\n")

	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	creds, err := credfile.Load(loadedCfg.CredentialsPath)
	if err != nil {
		return err
	}

	if creds == nil || creds.Token == "" {
		statusf("Not logged in.\n")
		return credfile.Remove(loadedCfg.CredentialsPath)
	}

	client := dropbox.New(dropbox.Config{
		Key:        loadedCfg.AppKey,
		Secret:     loadedCfg.AppSecret,
		HTTPClient: defaultHTTPClient(),
		Logger:     logger,
		Servers:    clientServers(),
	})

	if err := client.SetCredentials(*creds); err != nil {
		logger.Warn("saved credentials unusable, removing anyway", "error", err.Error())
	} else if err := client.SignOut(ctx); err != nil {
		// Server-side revocation is best effort; the local credentials
		// are removed regardless.
		logger.Warn("token revocation failed", "error", err.Error())
	}

	if err := credfile.Remove(loadedCfg.CredentialsPath); err != nil {
		return err
	}

	logger.Info("logout successful")
	statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	UID          string `json:"uid"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Country      string `json:"country,omitempty"`
	ReferralLink string `json:"referral_link,omitempty"`
	QuotaUsed    int64  `json:"quota_used"`
	QuotaShared  int64  `json:"quota_shared"`
	QuotaTotal   int64  `json:"quota_total"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	account, err := client.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching account info: %w", err)
	}

	if flagJSON {
		return printWhoamiJSON(account)
	}

	printWhoamiText(account)

	return nil
}

func printWhoamiJSON(account *dropbox.Account) error {
	out := whoamiOutput{
		UID:          account.UID,
		Name:         account.Name,
		Email:        account.Email,
		Country:      account.Country,
		ReferralLink: account.ReferralLink,
		QuotaUsed:    account.QuotaUsed,
		QuotaShared:  account.QuotaShared,
		QuotaTotal:   account.QuotaTotal,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printWhoamiText(account *dropbox.Account) {
	fmt.Printf("User:  %s (%s)\n", account.Name, account.Email)
	fmt.Printf("UID:   %s\n", account.UID)
	fmt.Printf("Quota: %s / %s used", formatSize(account.QuotaUsed+account.QuotaShared), formatSize(account.QuotaTotal))

	if account.QuotaShared > 0 {
		fmt.Printf(" (%s shared)", formatSize(account.QuotaShared))
	}

	fmt.Println()
}

// openBrowser launches the default browser at url.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
