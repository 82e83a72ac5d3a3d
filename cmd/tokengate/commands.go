package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/spf13/cobra"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
)

var (
	fetchMethod  string
	fetchData    string
	fetchHeaders []string
	tokenMatch   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <path|url>",
	Short: "Send a request through the token gate",
	Long: `Send a request through the token gate. Relative paths are resolved against
the origin page. A rejected token triggers a prompt and one retry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		target, err := s.broker.Page().Resolve(args[0])
		if err != nil {
			return fmt.Errorf("resolve %q: %w", args[0], err)
		}

		var body io.Reader
		if fetchData != "" {
			body = strings.NewReader(fetchData)
		}
		req, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(fetchMethod), target.String(), body)
		if err != nil {
			return err
		}
		for _, h := range fetchHeaders {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
			}
			req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			var gateErr *gateerrors.GateError
			if errors.As(err, &gateErr) && gateErr.Response != nil {
				printResponse(gateErr.Response)
			}
			return err
		}
		printResponse(resp)
		return nil
	},
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()
	fmt.Printf("HTTP %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read body: %v\n", err)
		return
	}
	if len(data) > 0 {
		fmt.Println(strings.TrimRight(string(data), "\n"))
	}
}

var openCmd = &cobra.Command{
	Use:   "open <href>",
	Short: "Follow a link from the origin page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		nav, err := s.broker.Click(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Action: %s\n", nav.Action)
		fmt.Printf("Prevented: %t\n", nav.Prevented)
		if nav.URL != "" {
			fmt.Printf("URL: %s\n", nav.URL)
		}
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <url>",
	Short: "Load a page URL, storing and stripping any token parameter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		visible, err := s.broker.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Println(visible)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage stored access tokens",
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(store)

		var keys []string
		for _, key := range store.Keys() {
			if tokenMatch == "" || wildcard.Match(tokenMatch, key) {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			fmt.Println("No tokens stored")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tFINGERPRINT\tTOKEN\tUSABLE")
		for _, key := range keys {
			value, _ := tokenstore.Lookup(store, key)
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", key, tokenstore.Fingerprint(value), tokenstore.Mask(value), tokenstore.IsUsable(value))
		}
		return w.Flush()
	},
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <storage-key> <token>",
	Short: "Store a token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
		if !tokenstore.IsUsable(value) {
			return fmt.Errorf("refusing to store an unusable token for %s", key)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(store)

		if err := store.Set(key, value); err != nil {
			return gateerrors.WrapStorageError("set_token", key, err)
		}
		fmt.Printf("Stored token for %s (%s)\n", key, tokenstore.Fingerprint(value))
		return nil
	},
}

var tokenRemoveCmd = &cobra.Command{
	Use:     "remove <storage-key>",
	Aliases: []string{"rm"},
	Short:   "Remove a stored token",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(store)

		key := strings.TrimSpace(args[0])
		if err := store.Remove(key); err != nil {
			return gateerrors.WrapStorageError("remove_token", key, err)
		}
		fmt.Printf("Removed token for %s\n", key)
		return nil
	},
}

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the route policies in effect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PREFIX\tSTORAGE KEY\tHEADER\tTITLE")
		for _, p := range cfg.Policies.Policies() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Prefix, p.StorageKey, p.Header, p.DisplayTitle())
		}
		return w.Flush()
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: "Show which policy governs a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		p, ok := cfg.Policies.Resolve(args[0])
		if !ok {
			fmt.Printf("%s is not governed\n", args[0])
			return nil
		}
		fmt.Printf("Prefix: %s\n", p.Prefix)
		fmt.Printf("Storage key: %s\n", p.StorageKey)
		fmt.Printf("Header: %s\n", p.Header)
		fmt.Printf("Title: %s\n", p.DisplayTitle())
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "request", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "request body")
	fetchCmd.Flags().StringArrayVarP(&fetchHeaders, "header", "H", nil, "extra header, \"Name: value\" (repeatable)")

	tokenListCmd.Flags().StringVar(&tokenMatch, "match", "", "only list keys matching this wildcard pattern")

	tokenCmd.AddCommand(tokenListCmd, tokenSetCmd, tokenRemoveCmd)
	rootCmd.AddCommand(fetchCmd, openCmd, ingestCmd, tokenCmd, policiesCmd, resolveCmd)
}
