package cli

import (
	"encoding/base64"
	"fmt"

	"github.com/flowbaker/flowguard/pkg/cipher"

	"github.com/spf13/cobra"
)

func NewGenerateKeyCommand() *cobra.Command {
	var algorithm string

	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a fresh encryption key",
		Long:  `Print a random key for the chosen cipher, ready to be used as FLOWGUARD_ENCRYPTION_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			normalized := cipher.NormalizeAlgorithm(algorithm)

			encoded, err := cipher.GenerateKey()
			if err != nil {
				return err
			}

			key, err := cipher.DecodeKey(encoded)
			if err != nil {
				return err
			}

			// Building the cipher rejects unknown algorithms before anything is printed
			if _, err := cipher.New(normalized, key, "primary"); err != nil {
				return err
			}

			if normalized == cipher.AlgorithmFernet {
				encoded = base64.URLEncoding.EncodeToString(key)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, encoded)
			fmt.Fprintf(cmd.ErrOrStderr(), "export FLOWGUARD_CIPHER_ALGORITHM=%s\nexport FLOWGUARD_ENCRYPTION_KEY=%s\n", normalized, encoded)

			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", cipher.AlgorithmAESGCM, "Cipher algorithm: aes-gcm, chacha20-poly1305 or fernet")

	return cmd
}
