package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relves/cordapps/pkg/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity for NODE_PRIVATE_KEY",
	RunE: func(cmd *cobra.Command, _ []string) error {
		signer, err := identity.GenerateSigner()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "NODE_PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(signer.PrivateKey()))
		fmt.Fprintf(out, "DID=%s\n", signer.PublicKey())
		return nil
	},
}
