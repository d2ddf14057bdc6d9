package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aretw0/fedmesh/pkg/crypto/he"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the keys used by encrypted runs",
	Long: `Writes a BGV key pair (<name>.key, <name>.pub) for the encryption transform.
--precision and --magnitude trade fractional bits against the largest encodable
value; what is left of the plaintext modulus bounds the total sample count of a round.
With --aes it also writes <name>.aes, a hex encoded AES-256 key for sealed checkpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("out")
		name, _ := cmd.Flags().GetString("name")
		logN, _ := cmd.Flags().GetInt("log-n")
		precision, _ := cmd.Flags().GetUint("precision")
		magnitude, _ := cmd.Flags().GetUint("magnitude")
		withAES, _ := cmd.Flags().GetBool("aes")

		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		params := he.DefaultParams
		params.LogN = logN
		params.Precision = precision
		params.Magnitude = magnitude
		sk, err := he.GenerateKey(params)
		if err != nil {
			return err
		}
		keyPath := filepath.Join(dir, name+".key")
		pubPath := filepath.Join(dir, name+".pub")
		if err := he.WritePrivateKey(keyPath, sk); err != nil {
			return err
		}
		if err := he.WritePublicKey(pubPath, sk.Public()); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Wrote %s and %s (key id %s, %d slots, capacity %d samples)\n",
			keyPath, pubPath, sk.KeyID(), sk.Slots(), sk.Capacity())

		if withAES {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			aesPath := filepath.Join(dir, name+".aes")
			if err := os.WriteFile(aesPath, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
				return err
			}
			fmt.Fprintf(out, "Wrote %s\n", aesPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().String("out", "keys", "Output directory")
	keygenCmd.Flags().String("name", "fedmesh", "Base name of the key files")
	keygenCmd.Flags().Int("log-n", he.DefaultParams.LogN, "Log2 of the ring degree; below 13 the default moduli are not secure")
	keygenCmd.Flags().Uint("precision", he.DefaultParams.Precision, "Fractional bits of the fixed-point encoding")
	keygenCmd.Flags().Uint("magnitude", he.DefaultParams.Magnitude, "Inputs must satisfy |x| < 2^magnitude")
	keygenCmd.Flags().Bool("aes", false, "Also write an AES-256 checkpoint key")
}
