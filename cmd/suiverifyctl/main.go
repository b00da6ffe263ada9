// Command suiverifyctl is the operator tool for the verification service:
// importing records, inspecting the signed material and verifying offline.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// errNotValid marks a verify run in which at least one record did not verify.
var errNotValid = errors.New("not every record verified")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errNotValid) {
			fmt.Fprintf(os.Stderr, "suiverifyctl: %v\n", err)
		}
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "import":
		return runImport(rest, stdout, stderr)
	case "payload":
		return runPayload(rest, stdout, stderr)
	case "verify":
		return runVerify(rest, stdout, stderr)
	case "token":
		return runToken(rest, stdout, stderr)
	case "keygen":
		return runKeygen(rest, stdout, stderr)
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: suiverifyctl <command> [flags]

commands:
  import  [-config f] [-dsn dsn] file.json...     upsert ledger objects into Postgres
  payload [-scope n] file.json...                  print payload, signature and envelope
  verify  -object file.json -enclave-key key       verify offline against a public key
  verify  [-config f] -id 0x... [-enclave 0x...]   verify through the configured gateway
  token   [-config f] -user u [-roles r1,r2] [-ttl d]  mint a bearer token
  keygen                                           generate a signer key
`)
}
