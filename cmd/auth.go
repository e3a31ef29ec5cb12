package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/syncclient"
	"github.com/vertexads/finsync/internal/syncconfig"
	"golang.org/x/term"
)

// loginForm holds the answers of the interactive prompt.
type loginForm struct {
	Email    string
	Password string
	Name     string
}

// promptCredentials fills missing fields of f through a huh form. With
// register set the display name is asked too.
func promptCredentials(f *loginForm, register bool) error {
	fields := []huh.Field{
		huh.NewInput().
			Title("Email").
			Value(&f.Email).
			Validate(func(s string) error {
				if !strings.Contains(s, "@") {
					return errors.New("enter a valid email")
				}
				return nil
			}),
		huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&f.Password).
			Validate(func(s string) error {
				if len(s) < 8 {
					return errors.New("at least 8 characters")
				}
				return nil
			}),
	}
	if register {
		fields = append(fields, huh.NewInput().Title("Name").Value(&f.Name))
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}

// readCredentials takes flags and prompts for what is missing when stdin
// is a terminal.
func readCredentials(cmd *cobra.Command, register bool) (loginForm, error) {
	var f loginForm
	f.Email, _ = cmd.Flags().GetString("email")
	f.Password, _ = cmd.Flags().GetString("password")
	if register {
		f.Name, _ = cmd.Flags().GetString("name")
	}
	if f.Password == "" {
		f.Password = os.Getenv("FINSYNC_PASSWORD")
	}
	if f.Email != "" && f.Password != "" {
		return f, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return f, fmt.Errorf("--email and --password (or FINSYNC_PASSWORD) are required when not on a terminal")
	}
	return f, promptCredentials(&f, register)
}

// saveSession stores the token of resp for serverURL.
func saveSession(serverURL string, resp *syncclient.AuthResponse) error {
	return syncconfig.SaveAuth(app.cfgDir, syncconfig.Credentials{
		Token:     resp.Token,
		UserID:    resp.User.ID,
		Email:     resp.User.Email,
		Name:      resp.User.Name,
		ServerURL: serverURL,
		LoggedIn:  models.Timestamp(time.Now()),
	})
}

var loginCmd = &cobra.Command{
	Use:     "login",
	Short:   "Log in to the sync server",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := readCredentials(cmd, false)
		if err != nil {
			return fail(err)
		}
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = app.settings.ServerURL
		}
		client, err := newClient(serverURL, "")
		if err != nil {
			return fail(err)
		}
		resp, err := client.Login(cmd.Context(), f.Email, f.Password)
		if err != nil {
			return fail(err)
		}
		if err := saveSession(serverURL, resp); err != nil {
			return fail(fmt.Errorf("save credentials: %w", err))
		}
		output.Success("Logged in as %s", resp.User.Email)
		fmt.Println("Run `finsync sync` to pull your ledger.")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:     "register",
	Short:   "Create an account on the sync server",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := readCredentials(cmd, true)
		if err != nil {
			return fail(err)
		}
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = app.settings.ServerURL
		}
		client, err := newClient(serverURL, "")
		if err != nil {
			return fail(err)
		}
		resp, err := client.Register(cmd.Context(), f.Email, f.Password, f.Name)
		if err != nil {
			return fail(err)
		}
		if err := saveSession(serverURL, resp); err != nil {
			return fail(fmt.Errorf("save credentials: %w", err))
		}
		output.Success("Registered and logged in as %s", resp.User.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	Short:   "Forget the stored session",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(app.cfgDir); err != nil {
			return fail(err)
		}
		fmt.Println("Logged out. Local data is kept.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	Short:   "Show the logged-in account",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		creds, err := loadCreds()
		if err != nil {
			return fail(err)
		}
		if creds == nil {
			if jsonOut {
				return output.JSON(map[string]any{"loggedIn": false})
			}
			fmt.Println("Not logged in.")
			return nil
		}
		client, err := newClient(creds.ServerURL, creds.Token)
		if err != nil {
			return fail(err)
		}
		u, err := client.Me(cmd.Context())
		if err != nil {
			if syncclient.IsAuthError(err) {
				return failf("session expired; run `finsync login`")
			}
			output.Warning("server unreachable: %v", err)
			u = &syncclient.User{ID: creds.UserID, Email: creds.Email, Name: creds.Name}
		}
		if jsonOut {
			return output.JSON(map[string]any{"loggedIn": true, "user": u, "server": creds.ServerURL})
		}
		fmt.Printf("Email:  %s\n", u.Email)
		if u.Name != "" {
			fmt.Printf("Name:   %s\n", u.Name)
		}
		fmt.Printf("ID:     %s\n", u.ID)
		fmt.Printf("Server: %s\n", creds.ServerURL)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().String("email", "", "account email")
		c.Flags().String("password", "", "account password (or FINSYNC_PASSWORD)")
		c.Flags().String("server", "", "server URL (default from config)")
	}
	registerCmd.Flags().String("name", "", "display name")
	whoamiCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd)
}
