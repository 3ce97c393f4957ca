// certfoundryctl is the admin companion to certfoundryd. It talks to the
// daemon's status API and prints the responses as JSON.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

func main() {
	app := &cobra.Command{
		Use:   os.Args[0],
		Short: "Manage the domains certfoundryd keeps certificates for",
	}
	app.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8068", "status API base URL")
	app.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CERTFOUNDRY_API_KEY"), "API key for the status API")

	app.AddCommand(addEntry())
	app.AddCommand(listEntry())
	app.AddCommand(showEntry())
	app.AddCommand(updateEntry())
	app.AddCommand(removeEntry())
	app.AddCommand(renewEntry())

	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type domainPayload struct {
	Domains  []string `json:"domains"`
	Contacts []string `json:"contacts,omitempty"`
	CAURL    string   `json:"ca_url,omitempty"`
}

func addEntry() *cobra.Command {
	var contacts []string
	var caURL string
	cmd := &cobra.Command{
		Use:   "add <domain> [domain...]",
		Short: "Start managing a certificate for the given domains",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/v1/domains", &domainPayload{
				Domains:  args,
				Contacts: contacts,
				CAURL:    caURL,
			})
		},
	}
	cmd.Flags().StringSliceVar(&contacts, "contact", nil, "contact URI (mailto:...), repeatable")
	cmd.Flags().StringVar(&caURL, "ca", "", "ACME directory URL, daemon default if empty")
	return cmd
}

func listEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all managed domains with their states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/domains", nil)
		},
	}
}

func showEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "show <domain>",
		Short: "Show one managed domain including its renewal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/domains/"+args[0], nil)
		},
	}
}

func updateEntry() *cobra.Command {
	var contacts []string
	var caURL string
	cmd := &cobra.Command{
		Use:   "update <domain> [domain...]",
		Short: "Replace the domain list of a managed domain",
		Long: "Replace the domain list of a managed domain. The first domain names the\n" +
			"entry and must not change; added or removed names make the current\n" +
			"certificate stale and trigger a renewal on the next sweep.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPut, "/api/v1/domains/"+args[0], &domainPayload{
				Domains:  args,
				Contacts: contacts,
				CAURL:    caURL,
			})
		},
	}
	cmd.Flags().StringSliceVar(&contacts, "contact", nil, "contact URI (mailto:...), repeatable")
	cmd.Flags().StringVar(&caURL, "ca", "", "ACME directory URL, unchanged if empty")
	return cmd
}

func removeEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <domain>",
		Short: "Stop managing a domain and purge its certificates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/api/v1/domains/"+args[0], nil)
		},
	}
}

func renewEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "renew <domain>",
		Short: "Clear any error backoff and request an immediate renewal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/v1/domains/"+args[0]+"/renew", nil)
		},
	}
}

// call performs one status API request and prints the JSON response.
func call(method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		fmt.Println("ok")
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
