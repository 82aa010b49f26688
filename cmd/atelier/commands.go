package main

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/storage"
)

// --- register ---

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new user account",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/auth/register", map[string]string{
			"email":    email,
			"password": password,
		})
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registered %s (id %v)", email, result["id"])
		return nil
	},
}

// --- login ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print a bearer token",
	Long: `Log in and print a bearer token.

Export the token for subsequent commands:
  export ATELIER_TOKEN=$(atelier login --email you@example.com --password secret)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/auth/login", map[string]string{
			"email":    email,
			"password": password,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), result["token"])
		return nil
	},
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Submit an image generation",
	Long: `Submit an image generation.

The idempotency key deduplicates retries: resubmitting with the same key
never runs the generation twice. A fresh key is minted when --key is omitted.

Examples:
  atelier generate --prompt "sunset over the bay" --style watercolor
  atelier generate --prompt "sunset over the bay" --style watercolor --key retry-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		style, _ := cmd.Flags().GetString("style")
		key, _ := cmd.Flags().GetString("key")

		if prompt == "" || style == "" {
			return fmt.Errorf("--prompt and --style are required")
		}
		if key == "" {
			key = uuid.New().String()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/generations", map[string]string{
			"prompt":         prompt,
			"style":          style,
			"idempotencyKey": key,
		})
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusCreated:
			var gen storage.Generation
			if err := decodeJSON(resp, &gen); err != nil {
				return err
			}
			printSuccess("Generation %d created (key %s)", gen.ID, key)
		case http.StatusOK:
			var replay struct {
				Generation storage.Generation `json:"generation"`
			}
			if err := decodeJSON(resp, &replay); err != nil {
				return err
			}
			printSuccess("Generation %d already existed for key %s (idempotent replay)", replay.Generation.ID, key)
		case http.StatusAccepted:
			resp.Body.Close()
			printWarning("Generation for key %s is still in progress; poll again shortly", key)
		case http.StatusConflict:
			resp.Body.Close()
			printError("Key %s previously failed; rerun with a new key", key)
		default:
			return decodeJSON(resp, &struct{}{})
		}
		return nil
	},
}

// --- generations ---

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List recent generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/generations?limit=%d", limit))
		if err != nil {
			return err
		}

		var rows []storage.Generation
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no generations yet")
			return nil
		}
		for _, g := range rows {
			url := g.ImageURL
			if url == "" {
				url = "-"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n", g.ID, g.CreatedAt, g.Status, g.Style, url)
		}
		return nil
	},
}

func init() {
	registerCmd.Flags().String("email", "", "account email")
	registerCmd.Flags().String("password", "", "account password")
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password")
	generateCmd.Flags().String("prompt", "", "text prompt")
	generateCmd.Flags().String("style", "", "rendering style")
	generateCmd.Flags().String("key", "", "idempotency key (minted when omitted)")
	generationsCmd.Flags().Int("limit", 5, "maximum rows to list")
}
