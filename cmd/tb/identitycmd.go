package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/format"
	"github.com/steveyegge/teambook/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "This AI's signed identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show ai_id, fingerprint, and public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ids.Current()
		if id == nil {
			return fmt.Errorf("no identity loaded")
		}
		payload := map[string]interface{}{
			"ai_id":        id.AIID,
			"display_name": id.DisplayName,
			"fingerprint":  id.Fingerprint,
			"public_key":   id.PublicKey,
		}
		if outputMode() == format.ModeJSON {
			out, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ai_id:%s|display_name:%s|fingerprint:%s|public_key:%s\n",
			id.AIID, id.DisplayName, id.Fingerprint, id.PublicKey)
		return nil
	},
}

var identityHandlesCmd = &cobra.Command{
	Use:   "handles [protocol...]",
	Short: "Show protocol-specific handles",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ids.Current()
		if id == nil {
			return fmt.Errorf("no identity loaded")
		}
		handles := identity.DefaultHandles(id)
		if len(args) > 0 {
			handles = make(map[string]string, len(args))
			for _, proto := range args {
				proto = identity.CanonicalProtocol(proto)
				handles[proto] = identity.ResolveHandle(id, proto, nil, false)
			}
		}
		if outputMode() == format.ModeJSON {
			out, err := json.Marshal(handles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
		for proto, handle := range handles {
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", proto, handle)
		}
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityHandlesCmd)
	rootCmd.AddCommand(identityCmd)
}
