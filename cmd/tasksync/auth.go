package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/tasksync/internal/api"
	"github.com/stellarlinkco/tasksync/internal/channel"
	"github.com/stellarlinkco/tasksync/internal/config"
	"github.com/stellarlinkco/tasksync/internal/task"
	"github.com/stellarlinkco/tasksync/internal/view"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	Args:  cobra.NoArgs,
	RunE:  runOnboard,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on the server",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the token",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users tasks can be assigned to",
	Args:  cobra.NoArgs,
	RunE:  runUsers,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tasksync status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var (
	serverFlag   string
	nameFlag     string
	emailFlag    string
	passwordFlag string
)

func initAuthCommands() {
	onboardCmd.Flags().StringVar(&serverFlag, "server", "", "Server base URL")

	registerCmd.Flags().StringVar(&nameFlag, "name", "", "User name")
	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().StringVar(&emailFlag, "email", "", "Account email")
		c.Flags().StringVar(&passwordFlag, "password", "", "Account password (or TASKSYNC_PASSWORD)")
		_ = c.MarkFlagRequired("email")
	}
	_ = registerCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(onboardCmd, registerCmd, loginCmd, logoutCmd, whoamiCmd, usersCmd, statusCmd)
}

func password() (string, error) {
	if passwordFlag != "" {
		return passwordFlag, nil
	}
	if p := os.Getenv("TASKSYNC_PASSWORD"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("password required: pass --password or set TASKSYNC_PASSWORD")
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cliOptions.stdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		if serverFlag != "" {
			cfg.Server.BaseURL = strings.TrimRight(serverFlag, "/")
		}
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
		if serverFlag != "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.BaseURL = strings.TrimRight(serverFlag, "/")
			if err := config.SaveConfig(cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(out, "Server set to %s\n", cfg.Server.BaseURL)
		}
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Run 'tasksync register' if you have no account")
	fmt.Fprintln(out, "  2. Run 'tasksync login --email you@example.com'")
	fmt.Fprintln(out, "  3. Run 'tasksync watch' to follow the board")
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pw, err := password()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	if err := api.New(cfg.Server.BaseURL, cliOptions.HTTPClient).Register(ctx, nameFlag, emailFlag, pw); err != nil {
		return err
	}
	fmt.Fprintf(cliOptions.stdout(), "Registered %s. Run 'tasksync login --email %s' next.\n", nameFlag, emailFlag)
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pw, err := password()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	client := api.New(cfg.Server.BaseURL, cliOptions.HTTPClient)
	token, err := client.Login(ctx, emailFlag, pw)
	if err != nil {
		return err
	}
	me, err := client.WithToken(token).CurrentUser(ctx)
	if err != nil {
		return err
	}

	cfg.Auth.Token = token
	cfg.Auth.Email = emailFlag
	if err := config.SaveConfig(cfg); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintf(cliOptions.stdout(), "Logged in as %s (#%d)\n", me.Name, me.ID)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth = config.AuthConfig{}
	if err := config.SaveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintln(cliOptions.stdout(), "Logged out")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	me, err := newClient(cfg).CurrentUser(ctx)
	if err != nil {
		return requireLogin(err)
	}
	switch f := outputFormat(); f {
	case view.FormatTable:
		fmt.Fprintf(cliOptions.stdout(), "%s <%s> (#%d)\n", me.Name, me.Email, me.ID)
		return nil
	default:
		return view.Users(cliOptions.stdout(), f, []task.User{me})
	}
}

func runUsers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	users, err := newClient(cfg).Users(ctx)
	if err != nil {
		return requireLogin(err)
	}
	return view.Users(cliOptions.stdout(), outputFormat(), users)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cliOptions.stdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Server: %s\n", cfg.Server.BaseURL)
	if endpoint, err := channel.Endpoint(cfg.ChannelURL(), ""); err == nil {
		fmt.Fprintf(out, "Channel: %s\n", strings.TrimSuffix(endpoint, "?token="))
	} else {
		fmt.Fprintf(out, "Channel: invalid (%v)\n", err)
	}
	fmt.Fprintf(out, "Token: %s\n", maskToken(cfg.Auth.Token))
	fmt.Fprintf(out, "Reconnect: %d attempts, %s linear backoff\n", cfg.Reconnect.MaxAttempts, cfg.Reconnect.BaseDelay())
	fmt.Fprintf(out, "Resync schedule: %s\n", orNone(cfg.Schedule.Resync))
	fmt.Fprintf(out, "Digest schedule: %s\n", orNone(cfg.Schedule.Digest))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)

	if cfg.Auth.Token == "" {
		return nil
	}
	ctx, cancel := withTimeout()
	defer cancel()
	if me, err := newClient(cfg).CurrentUser(ctx); err != nil {
		fmt.Fprintf(out, "Account: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Account: %s (#%d)\n", me.Name, me.ID)
	}
	return nil
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "not set (run 'tasksync login')"
	case len(token) > 8:
		return token[:4] + "..." + token[len(token)-4:]
	default:
		return "set"
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
