// Command cdbctl is the operator tool for authd: key generation, password
// hashing, token introspection and a live smoke test.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cdb.platformcommons.org/internal/auth"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cdbctl",
		Short:         "Operator tool for the CDB auth service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cdbctl v%s (%s)\n", version, commit)
		},
	})
	root.AddCommand(newKeygenCmd(), newHashPasswordCmd(), newIntrospectCmd(), newSmokeCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for token signing",
		Long: `Generates a PEM encoded RSA key pair. With --out the keys are written to
jwt_private.pem and jwt_public.pem in that directory; with --env they are
printed as single-line CDB_JWT_PRIVATE_KEY / CDB_JWT_PUBLIC_KEY assignments.`,
		RunE: runKeygen,
	}
	cmd.Flags().Int("bits", 2048, "RSA key size")
	cmd.Flags().String("out", "", "Directory to write PEM files into")
	cmd.Flags().Bool("env", false, "Print as .env assignments")
	return cmd
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	bits, _ := cmd.Flags().GetInt("bits")
	out, _ := cmd.Flags().GetString("out")
	asEnv, _ := cmd.Flags().GetBool("env")
	if bits < 2048 {
		return errors.New("refusing to generate keys shorter than 2048 bits")
	}
	priv, pub, err := auth.GenerateKeyPairPEM(bits)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	switch {
	case out != "":
		if err := os.MkdirAll(out, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(out, "jwt_private.pem"), []byte(priv), 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(out, "jwt_public.pem"), []byte(pub), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s and %s\n", filepath.Join(out, "jwt_private.pem"), filepath.Join(out, "jwt_public.pem"))
	case asEnv:
		fmt.Fprintf(w, "CDB_JWT_PRIVATE_KEY=%q\n", escapePEM(priv))
		fmt.Fprintf(w, "CDB_JWT_PUBLIC_KEY=%q\n", escapePEM(pub))
	default:
		fmt.Fprint(w, priv, pub)
	}
	return nil
}

// escapePEM is the inverse of the config loader's \n unescaping.
func escapePEM(pem string) string {
	return strings.ReplaceAll(strings.TrimSpace(pem), "\n", `\n`)
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash stored for a password",
		Long:  "Hashes the argument, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := readLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = line
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
