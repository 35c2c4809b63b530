// Package main provides a tool to manage the parameters and secrets build
// environment variables refer to.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/narvanalabs/buildengine/internal/secrets"
	"github.com/narvanalabs/buildengine/pkg/config"
)

const usage = `usage: buildsecret <command> [flags]

commands:
  keygen                      print a new age identity and its recipient
  put [-secret] NAME [VALUE]  store a value; reads stdin when VALUE is omitted
  get [-secret] NAME          print a value
  rm [-secret] NAME           delete a value
  ls [-secret]                list names
  rotate                      re-encrypt every value for a new identity

Values are parameters unless -secret is given. The data directory and
identity come from DATA_DIR and SECRETS_AGE_IDENTITY(_FILE).`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	if command == "keygen" {
		identity, recipient, err := secrets.GenerateIdentity()
		if err != nil {
			return err
		}
		fmt.Printf("# public key: %s\n%s\n", recipient, identity)
		return nil
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	secret := fs.Bool("secret", false, "operate on secrets instead of parameters")
	_ = fs.Parse(args)
	kind := secrets.KindParameter
	if *secret {
		kind = secrets.KindSecret
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	switch command {
	case "put":
		if fs.NArg() < 1 {
			return fmt.Errorf("put requires a name")
		}
		value, err := readValue(fs.Args()[1:])
		if err != nil {
			return err
		}
		return store.Put(ctx, kind, fs.Arg(0), value)
	case "get":
		if fs.NArg() != 1 {
			return fmt.Errorf("get requires a name")
		}
		value, err := store.Get(ctx, kind, fs.Arg(0))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(value)
		return err
	case "rm":
		if fs.NArg() != 1 {
			return fmt.Errorf("rm requires a name")
		}
		return store.Delete(ctx, kind, fs.Arg(0))
	case "ls":
		names, err := store.List(ctx, kind)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "rotate":
		res, err := store.Rotate(ctx)
		if err != nil {
			return err
		}
		for name, reason := range res.Failed {
			fmt.Fprintf(os.Stderr, "not rotated: %s: %s\n", name, reason)
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d values failed to rotate; the old identity is still in use", len(res.Failed))
		}
		fmt.Fprintf(os.Stderr, "rotated %d values; replace the configured identity with:\n", res.Rotated)
		fmt.Println(res.Identity)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func openStore() (*secrets.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	identity, err := cfg.SecretsIdentity()
	if err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, fmt.Errorf("SECRETS_AGE_IDENTITY or SECRETS_AGE_IDENTITY_FILE is required")
	}
	return secrets.NewStore(secrets.Config{Dir: cfg.Storage.SecretsDir(), Identity: identity}, nil)
}

func readValue(args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(strings.Join(args, " ")), nil
	}
	return io.ReadAll(os.Stdin)
}
