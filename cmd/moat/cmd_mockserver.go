package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"moat/pkg/protocol"
)

func newMockServerCmd() *cobra.Command {
	var (
		addr   string
		tokens string
	)

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve the policy API contract locally",
		Long:  "mock-server answers CREATE and UPDATE requests on a local port,\nblocking whenever a configured token occurs in the content under review.\nPoint MOAT_API_URL at it to exercise the full pipeline without credentials.",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := newMockHandler(tokens)
			fmt.Fprintf(cmd.OutOrStdout(), "mock policy server listening on %s (block tokens: %s)\n", addr, tokens)
			return http.ListenAndServe(addr, handler)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&tokens, "block-tokens", protocol.DefaultMockBlockTokens, "comma list of blocking substrings")
	return cmd
}

// newMockHandler evaluates each request body the way the real policy API
// would report it: event_id on CREATE, event_result plus reason always.
func newMockHandler(tokenList string) http.Handler {
	var tokens []string
	for _, tok := range strings.Split(tokenList, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens = append(tokens, strings.ToLower(tok))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		eventID, _ := body["event_id"].(string)
		text, _ := body["input"].(string)
		if eventID != "" {
			text, _ = body["output"].(string)
		} else {
			eventID = uuid.NewString()
		}

		resp := map[string]any{
			"event_id":     eventID,
			"event_result": "passed",
			"reason":       "mock pass",
		}
		low := strings.ToLower(text)
		for _, tok := range tokens {
			if strings.Contains(low, tok) {
				resp["event_result"] = "blocked"
				resp["policy"] = "mock_policy"
				resp["reason"] = fmt.Sprintf("blocked by token %q", tok)
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
