package cmd

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "creates the node key, or prints the fingerprint of the existing one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := homePath("key", "node.pem")
		force, _ := cmd.Flags().GetBool("force")
		bits := v.GetInt("key-bits")

		var (
			kp      *crypto.KeyPair
			created bool
			err     error
		)
		if force {
			if kp, err = crypto.GenerateKeyPair(bits); err == nil {
				err = kp.Save(path)
			}
			created = true
		} else {
			kp, created, err = crypto.LoadOrGenerateKeyPair(path, bits)
		}
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("wrote %s\n", path)
		}
		fmt.Println(kp.Fingerprint())
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("key", "", "PEM private key (default <home>/node.pem)")
	keygenCmd.Flags().Bool("force", false, "replace an existing key")
}
